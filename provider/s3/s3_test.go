package s3_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync"
	s3provider "github.com/erfanmomeniii/entsync/provider/s3"
)

// fakeS3 is an in-memory bucket returning two keys per list page.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	listCalls int
	headErr   error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	_, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = slices.Index(keys, tok)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func newDispatcher(api *fakeS3) *entsync.Dispatcher {
	p := s3provider.New(api, "bucket", s3provider.WithPrefix("/data/"), s3provider.WithEntities("user"))
	return entsync.NewRegistry().MustRegister(p)
}

func TestCRUD(t *testing.T) {
	api := newFakeS3()
	d := newDispatcher(api)
	ctx := context.Background()

	created, err := d.Create(ctx, "user", entsync.Record{"id": "ada", "name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", created["id"])
	assert.Contains(t, api.objects, "data/user/ada.json")

	_, err = d.Create(ctx, "user", entsync.Record{"id": "ada"})
	assert.ErrorContains(t, err, "already exists")

	generated, err := d.Create(ctx, "user", entsync.Record{"name": "Anon"})
	require.NoError(t, err)
	assert.Len(t, generated["id"], 36)

	updated, err := d.Update(ctx, "user", "ada", entsync.Record{"role": "admin", "id": "other"})
	require.NoError(t, err)
	assert.Equal(t, "ada", updated["id"])
	assert.Equal(t, "Ada", updated["name"])

	got, err := d.Get(ctx, "user", "ada")
	require.NoError(t, err)
	assert.Equal(t, "admin", got["role"])

	require.NoError(t, d.Delete(ctx, "user", "ada"))
	_, err = d.Get(ctx, "user", "ada")
	assert.ErrorIs(t, err, entsync.ErrNotFound)
	assert.ErrorIs(t, d.Delete(ctx, "user", "ada"), entsync.ErrNotFound)
	_, err = d.Update(ctx, "user", "ada", entsync.Record{})
	assert.ErrorIs(t, err, entsync.ErrNotFound)
}

func TestListPaginates(t *testing.T) {
	api := newFakeS3()
	d := newDispatcher(api)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		team := "x"
		if id == "b" || id == "d" {
			team = "y"
		}
		_, err := d.Create(ctx, "user", entsync.Record{"id": id, "team": team})
		require.NoError(t, err)
	}
	api.objects["data/user/nested/z.json"] = []byte(`{"id":"z"}`)
	api.objects["data/user/readme.txt"] = []byte(`hi`)

	all, err := d.GetList(ctx, "user", entsync.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, 4, api.listCalls)

	ys, err := d.GetList(ctx, "user", entsync.Filter{Where: map[string]any{"team": "y"}})
	require.NoError(t, err)
	require.Len(t, ys, 2)
	assert.Equal(t, "b", ys[0]["id"])

	some, err := d.GetList(ctx, "user", entsync.Filter{IDs: []string{"e", "missing", "a"}})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "e", some[0]["id"])

	limited, err := d.GetList(ctx, "user", entsync.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteList(t *testing.T) {
	api := newFakeS3()
	d := newDispatcher(api)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Create(ctx, "user", entsync.Record{"id": id})
		require.NoError(t, err)
	}
	require.NoError(t, d.DeleteList(ctx, "user", []string{"a", "c"}))

	left, err := d.GetList(ctx, "user", entsync.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0]["id"])
	assert.True(t, d.Native("user", entsync.OpDeleteList))
	assert.False(t, d.Native("user", entsync.OpCreateList))
	assert.True(t, d.Supports("user", entsync.OpCreateList))
}

func TestHealthCheck(t *testing.T) {
	api := newFakeS3()
	p := s3provider.New(api, "bucket")
	assert.NoError(t, p.HealthCheck(context.Background()))

	api.headErr = errors.New("forbidden")
	assert.EqualError(t, p.HealthCheck(context.Background()), "forbidden")
}

func TestNewPanics(t *testing.T) {
	assert.Panics(t, func() { s3provider.New(nil, "bucket") })
	assert.Panics(t, func() { s3provider.New(newFakeS3(), "") })
}
