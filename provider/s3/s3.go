// Package s3 is an entsync provider storing entities as JSON objects in
// an S3 bucket, one object per entity at "prefix/entity/id.json".
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/erfanmomeniii/entsync"
)

var (
	_ entsync.Provider      = (*Provider)(nil)
	_ entsync.Definer       = (*Provider)(nil)
	_ entsync.HealthChecker = (*Provider)(nil)
)

// API is the subset of the S3 client the provider uses. *s3.Client
// satisfies it.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// deleteBatch is the S3 limit on keys per DeleteObjects call.
const deleteBatch = 1000

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name. Default: "s3".
func WithName(name string) Option {
	if name == "" {
		panic("s3: name cannot be empty")
	}
	return func(p *Provider) {
		p.name = name
	}
}

// WithPrefix sets the key prefix. Default: none.
func WithPrefix(prefix string) Option {
	return func(p *Provider) {
		p.prefix = strings.Trim(prefix, "/")
	}
}

// WithEntities declares the entity types the provider serves.
func WithEntities(entities ...string) Option {
	return func(p *Provider) {
		for _, e := range entities {
			if key := entsync.EntityKey(e); !slices.Contains(p.entities, key) {
				p.entities = append(p.entities, key)
			}
		}
	}
}

// WithIDKey sets the identifier field. Default: "id".
func WithIDKey(key string) Option {
	if key == "" {
		panic("s3: id key cannot be empty")
	}
	return func(p *Provider) {
		p.idKey = key
	}
}

// WithNaming sets the resolver used to match Where constraints.
func WithNaming(r entsync.NameResolver) Option {
	return func(p *Provider) {
		if r != nil {
			p.resolver = r
		}
	}
}

// WithLogger sets the logger. If nil, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider stores records in a bucket.
type Provider struct {
	name     string
	api      API
	bucket   string
	prefix   string
	entities []string
	idKey    string
	resolver entsync.NameResolver
	logger   *slog.Logger
}

// New creates a provider for bucket. Panics if api is nil or bucket is
// empty.
func New(api API, bucket string, opts ...Option) *Provider {
	if api == nil {
		panic("s3: api cannot be nil")
	}
	if bucket == "" {
		panic("s3: bucket cannot be empty")
	}
	p := &Provider{
		name:     "s3",
		api:      api,
		bucket:   bucket,
		idKey:    "id",
		resolver: entsync.NewCaseResolver(entsync.SnakeCase),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClientConfig locates the S3 service.
type ClientConfig struct {
	Region string
	// Endpoint overrides the service URL, for S3-compatible stores.
	// Requests then use path-style addressing.
	Endpoint string
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cc.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cc.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (p *Provider) Name() string { return p.name }

// NameResolver implements entsync.NameResolverProvider.
func (p *Provider) NameResolver() entsync.NameResolver { return p.resolver }

// HealthCheck verifies the bucket is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	return err
}

// Define declares every operation for each entity given to WithEntities.
func (p *Provider) Define(def *entsync.Definition) {
	for _, entity := range p.entities {
		def.Handle(entity, entsync.OpCreate, entsync.CreateFunc(func(ctx context.Context, rec entsync.Record) (entsync.Record, error) {
			return p.Create(ctx, entity, rec)
		}))
		def.Handle(entity, entsync.OpGet, entsync.GetFunc(func(ctx context.Context, id string) (entsync.Record, error) {
			return p.Get(ctx, entity, id)
		}))
		def.Handle(entity, entsync.OpUpdate, entsync.UpdateFunc(func(ctx context.Context, id string, rec entsync.Record) (entsync.Record, error) {
			return p.Update(ctx, entity, id, rec)
		}))
		def.Handle(entity, entsync.OpDelete, entsync.DeleteFunc(func(ctx context.Context, id string) error {
			return p.Delete(ctx, entity, id)
		}))
		def.Handle(entity, entsync.OpGetList, entsync.ListFunc(func(ctx context.Context, f entsync.Filter) ([]entsync.Record, error) {
			return p.List(ctx, entity, f)
		}))
		def.Handle(entity, entsync.OpDeleteList, entsync.DeleteListFunc(func(ctx context.Context, ids []string) error {
			return p.DeleteList(ctx, entity, ids)
		}))
	}
}

func (p *Provider) dir(entity string) string {
	if p.prefix == "" {
		return entsync.EntityKey(entity) + "/"
	}
	return p.prefix + "/" + entsync.EntityKey(entity) + "/"
}

// Key returns the object key of an entity.
func (p *Provider) Key(entity, id string) string {
	return p.dir(entity) + id + ".json"
}

func (p *Provider) Create(ctx context.Context, entity string, rec entsync.Record) (entsync.Record, error) {
	rec = rec.Clone()
	if rec == nil {
		rec = entsync.Record{}
	}
	id, ok := rec.ID(p.idKey)
	if !ok {
		id = uuid.NewString()
		rec[p.idKey] = id
	} else if exists, err := p.exists(ctx, p.Key(entity, id)); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("s3: %s %q already exists", entity, id)
	}
	if err := p.put(ctx, p.Key(entity, id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Provider) Get(ctx context.Context, entity, id string) (entsync.Record, error) {
	return p.get(ctx, p.Key(entity, id))
}

// Update merges rec into the stored object.
func (p *Provider) Update(ctx context.Context, entity, id string, rec entsync.Record) (entsync.Record, error) {
	key := p.Key(entity, id)
	cur, err := p.get(ctx, key)
	if err != nil {
		return nil, err
	}
	for k, v := range rec {
		if k != p.idKey {
			cur[k] = v
		}
	}
	if err := p.put(ctx, key, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (p *Provider) Delete(ctx context.Context, entity, id string) error {
	key := p.Key(entity, id)
	exists, err := p.exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return entsync.ErrNotFound
	}
	_, err = p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	return err
}

// List reads the objects named by f.IDs, or every object of entity.
func (p *Provider) List(ctx context.Context, entity string, f entsync.Filter) ([]entsync.Record, error) {
	var keys []string
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			keys = append(keys, p.Key(entity, id))
		}
	} else {
		var err error
		if keys, err = p.listKeys(ctx, p.dir(entity)); err != nil {
			return nil, err
		}
	}

	var recs []entsync.Record
	for _, key := range keys {
		if f.Limit > 0 && len(f.Where) == 0 && len(recs) == f.Limit {
			break
		}
		rec, err := p.get(ctx, key)
		if errors.Is(err, entsync.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return f.Apply(recs, p.idKey, p.resolver), nil
}

// DeleteList removes the objects of ids, in batches of 1000.
func (p *Provider) DeleteList(ctx context.Context, entity string, ids []string) error {
	for chunk := range slices.Chunk(ids, deleteBatch) {
		objects := make([]types.ObjectIdentifier, len(chunk))
		for i, id := range chunk {
			objects[i] = types.ObjectIdentifier{Key: aws.String(p.Key(entity, id))}
		}
		out, err := p.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("s3: delete %s: %s: %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
		}
	}
	return nil
}

func (p *Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Nested prefixes belong to other entities.
			if rest := strings.TrimPrefix(key, prefix); path.Ext(rest) == ".json" && !strings.Contains(rest, "/") {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (p *Provider) get(ctx context.Context, key string) (entsync.Record, error) {
	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, entsync.ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	var rec entsync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("s3: decode %s: %w", key, err)
	}
	return rec, nil
}

func (p *Provider) put(ctx context.Context, key string, rec entsync.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3: encode %s: %w", key, err)
	}
	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (p *Provider) exists(ctx context.Context, key string) (bool, error) {
	_, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound")
}
