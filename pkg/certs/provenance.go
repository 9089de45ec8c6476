// Package certs decodes certificate material into normalized records.
package certs

import "fmt"

// Provenance identifies where a certificate was found.
// Implementations are comparable so they can be stored in sets.
type Provenance interface {
	Kind() string
	// Source is the owning system (a deployment name, a load balancer, a namespace).
	Source() string
	// Location is the position inside the source (a property path, a listener).
	Location() string
	String() string
}

// BoshProperty is a certificate embedded in a BOSH deployment manifest.
type BoshProperty struct {
	Deployment string
	Path       string
}

func (p BoshProperty) Kind() string     { return "bosh" }
func (p BoshProperty) Source() string   { return p.Deployment }
func (p BoshProperty) Location() string { return p.Path }
func (p BoshProperty) String() string {
	return fmt.Sprintf("bosh:%s:%s", p.Deployment, p.Path)
}

// ListenerCertificate is a certificate attached to a load balancer listener.
type ListenerCertificate struct {
	LoadBalancer   string
	ListenerARN    string
	CertificateARN string
}

func (p ListenerCertificate) Kind() string   { return "elb" }
func (p ListenerCertificate) Source() string { return p.LoadBalancer }
func (p ListenerCertificate) Location() string {
	if p.CertificateARN == "" {
		return p.ListenerARN
	}
	return p.ListenerARN + " (" + p.CertificateARN + ")"
}
func (p ListenerCertificate) String() string {
	return fmt.Sprintf("elb:%s:%s", p.LoadBalancer, p.Location())
}

// KubernetesSecret is a certificate stored in a TLS secret.
type KubernetesSecret struct {
	Namespace string
	Name      string
	Key       string
}

func (p KubernetesSecret) Kind() string     { return "k8s" }
func (p KubernetesSecret) Source() string   { return p.Namespace }
func (p KubernetesSecret) Location() string { return p.Name + "/" + p.Key }
func (p KubernetesSecret) String() string {
	return fmt.Sprintf("k8s:%s:%s", p.Namespace, p.Location())
}
