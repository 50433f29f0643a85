// Package storage provisions the hosted storage buckets and their access
// policies, and uploads user files into them.
package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bucket names used by the API.
const (
	BucketCommissionProofs      = "commission-proofs"
	BucketCommissionScreenshots = "commission-screenshots"
	BucketShopPhotos            = "shop-photos"
	BucketVerificationDocs      = "verification-docs"
)

// Manifest is the desired state of storage.
type Manifest struct {
	Buckets []BucketSpec `yaml:"buckets"`
}

// BucketSpec is one bucket and the policies guarding its objects.
type BucketSpec struct {
	Name             string   `yaml:"name"`
	Public           bool     `yaml:"public"`
	FileSizeLimit    int64    `yaml:"file_size_limit"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
	Policies         []Policy `yaml:"policies"`
}

// Policy is a row-level policy on storage.objects.
type Policy struct {
	Name       string `yaml:"name"`
	Operation  string `yaml:"operation"`
	Role       string `yaml:"role"`
	Definition string `yaml:"definition"`
}

var validOps = map[string]bool{"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "ALL": true}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(b)
}

// ParseManifest decodes and validates a manifest.  Operations are
// upper-cased and roles default to authenticated.
func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Buckets) == 0 {
		return Manifest{}, errors.New("manifest lists no buckets")
	}
	seen := map[string]bool{}
	for i := range m.Buckets {
		bk := &m.Buckets[i]
		bk.Name = strings.TrimSpace(bk.Name)
		if bk.Name == "" {
			return Manifest{}, fmt.Errorf("bucket %d has no name", i+1)
		}
		if seen[bk.Name] {
			return Manifest{}, fmt.Errorf("bucket %q listed twice", bk.Name)
		}
		seen[bk.Name] = true
		for j := range bk.Policies {
			p := &bk.Policies[j]
			p.Operation = strings.ToUpper(strings.TrimSpace(p.Operation))
			if !validOps[p.Operation] {
				return Manifest{}, fmt.Errorf("bucket %q policy %q: unknown operation %q", bk.Name, p.Name, p.Operation)
			}
			if p.Role == "" {
				p.Role = "authenticated"
			}
			if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Definition) == "" {
				return Manifest{}, fmt.Errorf("bucket %q policy %d needs a name and a definition", bk.Name, j+1)
			}
		}
	}
	return m, nil
}

// Bucket returns the spec for name.
func (m Manifest) Bucket(name string) (BucketSpec, bool) {
	for _, b := range m.Buckets {
		if b.Name == name {
			return b, true
		}
	}
	return BucketSpec{}, false
}

// Statements returns the SQL that replaces the policy.  INSERT checks new
// rows, SELECT and DELETE filter existing ones, UPDATE and ALL do both.
func (p Policy) Statements() []string {
	name := quoteIdent(p.Name)
	using := " USING (" + p.Definition + ")"
	check := " WITH CHECK (" + p.Definition + ")"
	var clause string
	switch p.Operation {
	case "INSERT":
		clause = check
	case "UPDATE", "ALL":
		clause = using + check
	default:
		clause = using
	}
	return []string{
		"DROP POLICY IF EXISTS " + name + " ON storage.objects",
		"CREATE POLICY " + name + " ON storage.objects FOR " + p.Operation + " TO " + p.Role + clause,
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (b BucketSpec) allows(mime string) bool {
	if len(b.AllowedMimeTypes) == 0 {
		return true
	}
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	for _, m := range b.AllowedMimeTypes {
		m = strings.ToLower(m)
		if m == mime || (strings.HasSuffix(m, "/*") && strings.HasPrefix(mime, strings.TrimSuffix(m, "*"))) {
			return true
		}
	}
	return false
}
