package sources

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Property is a manifest value that holds certificate material.
type Property struct {
	Path string
	Raw  []byte
}

// Predicate decides whether a manifest value is certificate material.
type Predicate func(path, value string) bool

const pemCertificateHeader = "-----BEGIN CERTIFICATE-----"

// LooksLikeCertificate selects PEM certificates and base64 encoded DER
// certificates. PEM values are selected on their header alone, so a broken
// one still surfaces as a parse issue. Base64 values must decode to a
// certificate; keys and other DER blobs share the MII prefix and are skipped.
func LooksLikeCertificate(_ string, value string) bool {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, pemCertificateHeader) {
		return true
	}
	if !strings.HasPrefix(v, "MII") {
		return false
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(v), ""))
	if err != nil {
		return false
	}
	_, err = x509.ParseCertificate(der)
	return err == nil
}

// Leaf is one scalar value of a flattened manifest.
type Leaf struct {
	Path  string
	Value string
}

// Flatten walks a YAML document and returns its string leaves in a stable order.
// Map keys are joined with "."; list elements are addressed as key[name] when
// they carry a name field and key[i] otherwise.
func Flatten(doc []byte) ([]Leaf, error) {
	var root any
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("failed to parse manifest yaml: %w", err)
	}

	var leaves []Leaf
	walk(root, "", &leaves)
	return leaves, nil
}

// ExtractProperties returns the manifest values selected by pred.
// A nil pred means LooksLikeCertificate.
func ExtractProperties(doc []byte, pred Predicate) ([]Property, error) {
	if pred == nil {
		pred = LooksLikeCertificate
	}
	leaves, err := Flatten(doc)
	if err != nil {
		return nil, err
	}

	var props []Property
	for _, l := range leaves {
		if pred(l.Path, l.Value) {
			props = append(props, Property{Path: l.Path, Raw: bytes.TrimSpace([]byte(l.Value))})
		}
	}
	return props, nil
}

func walk(node any, path string, out *[]Leaf) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], join(path, k), out)
		}
	case map[any]any:
		keys := make([]string, 0, len(v))
		byKey := make(map[string]any, len(v))
		for k, val := range v {
			ks := fmt.Sprint(k)
			keys = append(keys, ks)
			byKey[ks] = val
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(byKey[k], join(path, k), out)
		}
	case []any:
		for i, el := range v {
			walk(el, fmt.Sprintf("%s[%s]", path, elementName(el, i)), out)
		}
	case string:
		*out = append(*out, Leaf{Path: path, Value: v})
	}
}

func elementName(el any, i int) string {
	if m, ok := el.(map[string]any); ok {
		if name, ok := m["name"].(string); ok && name != "" {
			return name
		}
	}
	return fmt.Sprint(i)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
