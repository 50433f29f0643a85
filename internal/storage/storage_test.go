package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/service-marketplace/internal/platform"
)

type fakeAPI struct {
	buckets   []platform.Bucket
	createErr map[string]error
	rpcErr    func(stmt string) error
	created   []string
	updated   []string
	rpcs      []string
}

func (f *fakeAPI) ListBuckets(context.Context) ([]platform.Bucket, error) { return f.buckets, nil }

func (f *fakeAPI) CreateBucket(_ context.Context, b platform.Bucket) error {
	if err := f.createErr[b.ID]; err != nil {
		return err
	}
	f.created = append(f.created, b.ID)
	return nil
}

func (f *fakeAPI) UpdateBucket(_ context.Context, b platform.Bucket) error {
	f.updated = append(f.updated, b.ID)
	return nil
}

func (f *fakeAPI) RPC(_ context.Context, fn string, params, _ any) error {
	stmt := params.(map[string]string)["sql"]
	f.rpcs = append(f.rpcs, fn+":"+stmt)
	if f.rpcErr != nil {
		return f.rpcErr(stmt)
	}
	return nil
}

func shippedManifest(t *testing.T) Manifest {
	t.Helper()
	m, err := LoadManifest("../../storage/buckets.yaml")
	require.NoError(t, err)
	return m
}

func TestShippedManifest(t *testing.T) {
	m := shippedManifest(t)
	for _, name := range []string{BucketCommissionProofs, BucketCommissionScreenshots, BucketShopPhotos, BucketVerificationDocs} {
		b, ok := m.Bucket(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, b.Policies, name)
	}
	shop, _ := m.Bucket(BucketShopPhotos)
	assert.True(t, shop.Public)
}

func TestParseManifestRejects(t *testing.T) {
	_, err := ParseManifest([]byte("buckets: []"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("buckets:\n  - name: a\n  - name: a\n"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("buckets:\n  - name: a\n    policies:\n      - {name: p, operation: MERGE, definition: 'true'}\n"))
	assert.Error(t, err)
}

func TestPolicyStatements(t *testing.T) {
	ins := Policy{Name: `own "x"`, Operation: "INSERT", Role: "authenticated", Definition: "bucket_id = 'b'"}.Statements()
	assert.Equal(t, `DROP POLICY IF EXISTS "own ""x""" ON storage.objects`, ins[0])
	assert.Equal(t, `CREATE POLICY "own ""x""" ON storage.objects FOR INSERT TO authenticated WITH CHECK (bucket_id = 'b')`, ins[1])

	all := Policy{Name: "p", Operation: "ALL", Role: "authenticated", Definition: "true"}.Statements()
	assert.Contains(t, all[1], "USING (true) WITH CHECK (true)")
}

func TestProvisionCreatesUpdatesAndFallsBack(t *testing.T) {
	m := shippedManifest(t)
	limit := int64(5242880)
	api := &fakeAPI{
		buckets: []platform.Bucket{
			// exists but public by mistake
			{ID: BucketCommissionProofs, Name: BucketCommissionProofs, Public: true, FileSizeLimit: &limit,
				AllowedMimeTypes: []string{"image/png", "image/jpeg", "image/webp", "application/pdf"}},
		},
		createErr: map[string]error{
			BucketVerificationDocs: &platform.Error{Op: "create bucket", Status: http.StatusForbidden, Message: "Unauthorized"},
			BucketShopPhotos:       errors.New("connection reset"),
		},
		rpcErr: func(stmt string) error {
			if strings.Contains(stmt, "shop photos") {
				return &platform.Error{Op: "rpc exec_sql", Status: http.StatusBadRequest, Code: "42501", Message: "must be owner of table objects"}
			}
			return nil
		},
	}
	rep := NewProvisioner(api, "", "", "https://dash.example/project/x", nil).Provision(context.Background(), m)

	assert.Equal(t, []string{BucketCommissionProofs}, api.updated)
	assert.Equal(t, []string{BucketCommissionScreenshots}, api.created)
	actions := map[string]string{}
	for _, o := range rep.Buckets {
		actions[o.Bucket] = o.Action
	}
	assert.Equal(t, ActionUpdated, actions[BucketCommissionProofs])
	assert.Equal(t, ActionCreated, actions[BucketCommissionScreenshots])
	assert.Equal(t, ActionFailed, actions[BucketShopPhotos])
	assert.Equal(t, ActionManual, actions[BucketVerificationDocs])

	var manualSQL int
	for _, s := range rep.Manual {
		if s.SQL != "" {
			manualSQL++
			assert.Contains(t, s.SQL, "CREATE POLICY")
			assert.Equal(t, "https://dash.example/project/x/sql/new", s.Where)
		}
	}
	assert.Equal(t, 2, manualSQL)
	assert.Len(t, rep.Manual, 3)
	assert.Equal(t, 1, rep.Failed())
	for _, call := range api.rpcs {
		assert.True(t, strings.HasPrefix(call, "exec_sql:"))
	}
}

func TestVerifyReportsDrift(t *testing.T) {
	m, err := ParseManifest([]byte(`
buckets:
  - name: a
    public: true
  - name: b
    file_size_limit: 10
    allowed_mime_types: [image/png]
`))
	require.NoError(t, err)
	api := &fakeAPI{buckets: []platform.Bucket{{ID: "b", Name: "b", AllowedMimeTypes: []string{"image/png"}}}}
	got, err := NewProvisioner(api, "", "", "", nil).Verify(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []Finding{{Bucket: "a", Problem: "missing"}, {Bucket: "b", Problem: "file_size_limit differs"}}, got)
	assert.Empty(t, api.created)
}

type fakeObjects struct {
	bucket, key, ctype string
	body               []byte
	removed            []string
}

func (f *fakeObjects) RemoveObjects(_ context.Context, _ string, paths []string) error {
	f.removed = append(f.removed, paths...)
	return nil
}

func (f *fakeObjects) Upload(_ context.Context, bucket, key, ctype string, r io.Reader, _ bool) error {
	f.bucket, f.key, f.ctype = bucket, key, ctype
	f.body, _ = io.ReadAll(r)
	return nil
}

func TestUploaderPut(t *testing.T) {
	objs := &fakeObjects{}
	u := NewUploader(objs, shippedManifest(t), nil)

	key, err := u.Put(context.Background(), BucketCommissionProofs, "4/9", File{
		Name: "Receipt.PNG", ContentType: "image/png", Size: 3, Body: bytes.NewReader([]byte("png")),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "4/9/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.Equal(t, key, objs.key)
	assert.Equal(t, []byte("png"), objs.body)
	require.NoError(t, u.Remove(context.Background(), BucketCommissionProofs, key))
	assert.Equal(t, []string{key}, objs.removed)

	_, err = u.Put(context.Background(), BucketCommissionProofs, "4/9", File{Name: "x.exe", ContentType: "application/x-msdownload", Size: 1})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = u.Put(context.Background(), BucketShopPhotos, "4", File{Name: "big.jpg", ContentType: "image/jpeg", Size: 1 << 30})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestProvisionMissingExecFunction(t *testing.T) {
	m := shippedManifest(t)
	api := &fakeAPI{rpcErr: func(string) error {
		return &platform.Error{Op: "rpc exec_sql", Status: http.StatusNotFound, Code: "PGRST202", Message: "Could not find the function"}
	}}
	p := NewProvisioner(api, "", "", "", nil)
	var rep Report
	p.ApplyPolicies(context.Background(), m, &rep)

	require.NotEmpty(t, rep.Policies)
	for _, o := range rep.Policies {
		assert.Equal(t, ActionManual, o.Action)
	}
	require.Len(t, rep.Manual, len(rep.Policies))
	assert.Contains(t, rep.Manual[0].What, "exec_sql function is not installed")
	assert.Equal(t, "dashboard: sql/new", rep.Manual[0].Where)
	assert.Zero(t, rep.Failed())
}
