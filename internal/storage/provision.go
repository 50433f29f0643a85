package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/platform"
)

// BucketAPI is the part of the platform client the provisioner needs.
type BucketAPI interface {
	ListBuckets(ctx context.Context) ([]platform.Bucket, error)
	CreateBucket(ctx context.Context, b platform.Bucket) error
	UpdateBucket(ctx context.Context, b platform.Bucket) error
	RPC(ctx context.Context, fn string, params, out any) error
}

// Actions recorded in an Outcome.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionUnchanged = "unchanged"
	ActionApplied   = "applied"
	ActionManual    = "manual"
	ActionFailed    = "failed"
)

// Outcome is what happened to one bucket or policy.
type Outcome struct {
	Bucket string `json:"bucket"`
	Policy string `json:"policy,omitempty"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// ManualStep is a change the platform refused; an operator has to make it
// in the dashboard.
type ManualStep struct {
	Bucket string `json:"bucket"`
	What   string `json:"what"`
	Where  string `json:"where"`
	SQL    string `json:"sql,omitempty"`
}

// Report collects the outcome of a provisioning run.
type Report struct {
	Buckets  []Outcome    `json:"buckets"`
	Policies []Outcome    `json:"policies"`
	Manual   []ManualStep `json:"manual,omitempty"`
}

// Failed counts outcomes that neither succeeded nor became a manual step.
func (r Report) Failed() int {
	n := 0
	for _, o := range append(slices.Clone(r.Buckets), r.Policies...) {
		if o.Action == ActionFailed {
			n++
		}
	}
	return n
}

// Provisioner reconciles the manifest with the project's storage.
type Provisioner struct {
	api          BucketAPI
	execRPC      string
	execParam    string
	dashboardURL string
	log          *zap.Logger
}

// NewProvisioner returns a Provisioner.  Policies are applied through the
// execRPC function taking the statement as execParam.
func NewProvisioner(api BucketAPI, execRPC, execParam, dashboardURL string, log *zap.Logger) *Provisioner {
	if execRPC == "" {
		execRPC = "exec_sql"
	}
	if execParam == "" {
		execParam = "sql"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{api: api, execRPC: execRPC, execParam: execParam,
		dashboardURL: strings.TrimRight(dashboardURL, "/"), log: log}
}

// Provision runs Ensure followed by ApplyPolicies.
func (p *Provisioner) Provision(ctx context.Context, m Manifest) Report {
	rep := p.Ensure(ctx, m)
	p.ApplyPolicies(ctx, m, &rep)
	return rep
}

func toPlatform(b BucketSpec) platform.Bucket {
	pb := platform.Bucket{ID: b.Name, Name: b.Name, Public: b.Public, AllowedMimeTypes: b.AllowedMimeTypes}
	if b.FileSizeLimit > 0 {
		limit := b.FileSizeLimit
		pb.FileSizeLimit = &limit
	}
	return pb
}

// Ensure creates missing buckets and updates ones whose settings drifted.
// A refused change becomes a manual step; other errors are recorded and the
// run continues with the next bucket.
func (p *Provisioner) Ensure(ctx context.Context, m Manifest) Report {
	var rep Report
	existing, err := p.api.ListBuckets(ctx)
	if err != nil {
		p.log.Error("list buckets failed", zap.Error(err))
		for _, b := range m.Buckets {
			rep.Buckets = append(rep.Buckets, p.bucketFailure(&rep, b, "create or check", err))
		}
		return rep
	}
	byName := make(map[string]platform.Bucket, len(existing))
	for _, b := range existing {
		byName[b.ID] = b
	}

	for _, spec := range m.Buckets {
		want := toPlatform(spec)
		have, ok := byName[spec.Name]
		var d []string
		if ok {
			d = diff(spec, have)
		}
		switch {
		case !ok:
			if err := p.api.CreateBucket(ctx, want); err != nil {
				rep.Buckets = append(rep.Buckets, p.bucketFailure(&rep, spec, "create", err))
				continue
			}
			p.log.Info("bucket created", zap.String("bucket", spec.Name), zap.Bool("public", spec.Public))
			rep.Buckets = append(rep.Buckets, Outcome{Bucket: spec.Name, Action: ActionCreated})
		case len(d) > 0:
			if err := p.api.UpdateBucket(ctx, want); err != nil {
				rep.Buckets = append(rep.Buckets, p.bucketFailure(&rep, spec, "update ("+strings.Join(d, ", ")+")", err))
				continue
			}
			p.log.Info("bucket updated", zap.String("bucket", spec.Name), zap.Strings("changed", d))
			rep.Buckets = append(rep.Buckets, Outcome{Bucket: spec.Name, Action: ActionUpdated})
		default:
			p.log.Debug("bucket up to date", zap.String("bucket", spec.Name))
			rep.Buckets = append(rep.Buckets, Outcome{Bucket: spec.Name, Action: ActionUnchanged})
		}
	}
	return rep
}

func (p *Provisioner) bucketFailure(rep *Report, spec BucketSpec, what string, err error) Outcome {
	o := Outcome{Bucket: spec.Name, Action: ActionFailed, Error: err.Error()}
	if platform.IsPermission(err) {
		o.Action = ActionManual
		vis := "private"
		if spec.Public {
			vis = "public"
		}
		step := ManualStep{
			Bucket: spec.Name,
			What: fmt.Sprintf("%s bucket %q: %s, file size limit %d bytes, mime types %s",
				what, spec.Name, vis, spec.FileSizeLimit, strings.Join(spec.AllowedMimeTypes, ", ")),
			Where: p.where("storage/buckets"),
		}
		rep.Manual = append(rep.Manual, step)
		p.log.Warn("bucket change refused, manual step recorded", zap.String("bucket", spec.Name), zap.Error(err))
		return o
	}
	p.log.Error("bucket change failed", zap.String("bucket", spec.Name), zap.String("op", what), zap.Error(err))
	return o
}

// ApplyPolicies drops and recreates every policy in the manifest.
func (p *Provisioner) ApplyPolicies(ctx context.Context, m Manifest, rep *Report) {
	for _, b := range m.Buckets {
		for _, pol := range b.Policies {
			o := Outcome{Bucket: b.Name, Policy: pol.Name, Action: ActionApplied}
			stmts := pol.Statements()
			for _, stmt := range stmts {
				err := p.api.RPC(ctx, p.execRPC, map[string]string{p.execParam: stmt}, nil)
				if err == nil {
					continue
				}
				o.Error = err.Error()
				if platform.IsPermission(err) || platform.IsNotFound(err) {
					what := fmt.Sprintf("create policy %q (%s, role %s)", pol.Name, pol.Operation, pol.Role)
					if platform.IsNotFound(err) {
						what += fmt.Sprintf("; the %s function is not installed", p.execRPC)
					}
					o.Action = ActionManual
					rep.Manual = append(rep.Manual, ManualStep{
						Bucket: b.Name,
						What:   what,
						Where:  p.where("sql/new"),
						SQL:    strings.Join(stmts, ";\n") + ";",
					})
					p.log.Warn("policy refused, manual step recorded", zap.String("policy", pol.Name), zap.Error(err))
				} else {
					o.Action = ActionFailed
					p.log.Error("policy failed", zap.String("policy", pol.Name), zap.Error(err))
				}
				break
			}
			if o.Action == ActionApplied {
				p.log.Info("policy applied", zap.String("bucket", b.Name), zap.String("policy", pol.Name))
			}
			rep.Policies = append(rep.Policies, o)
		}
	}
}

func (p *Provisioner) where(section string) string {
	if p.dashboardURL == "" {
		return "dashboard: " + section
	}
	return p.dashboardURL + "/" + section
}

// Finding is a mismatch reported by Verify.
type Finding struct {
	Bucket  string `json:"bucket"`
	Problem string `json:"problem"`
}

// Verify compares the project's buckets with the manifest without changing
// anything.
func (p *Provisioner) Verify(ctx context.Context, m Manifest) ([]Finding, error) {
	existing, err := p.api.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	byName := make(map[string]platform.Bucket, len(existing))
	for _, b := range existing {
		byName[b.ID] = b
	}
	var out []Finding
	for _, spec := range m.Buckets {
		have, ok := byName[spec.Name]
		if !ok {
			out = append(out, Finding{Bucket: spec.Name, Problem: "missing"})
			continue
		}
		for _, d := range diff(spec, have) {
			out = append(out, Finding{Bucket: spec.Name, Problem: d + " differs"})
		}
	}
	return out, nil
}

func diff(spec BucketSpec, have platform.Bucket) []string {
	var d []string
	if spec.Public != have.Public {
		d = append(d, "public")
	}
	var limit int64
	if have.FileSizeLimit != nil {
		limit = *have.FileSizeLimit
	}
	if spec.FileSizeLimit != limit {
		d = append(d, "file_size_limit")
	}
	if !sameSet(spec.AllowedMimeTypes, have.AllowedMimeTypes) {
		d = append(d, "allowed_mime_types")
	}
	return d
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
