package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves objects from memory, pageSize keys per listing page.
type fakeS3 struct {
	objects  map[string][]byte
	keys     []string
	pageSize int
	getErr   error
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+f.pageSize, len(f.keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range f.keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(f.keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newFakeS3(keys ...string) *fakeS3 {
	f := &fakeS3{objects: make(map[string][]byte), keys: keys, pageSize: 2}
	for _, k := range keys {
		f.objects[k] = []byte(k)
	}
	return f
}

func TestS3Source_LoadsAcrossPages(t *testing.T) {
	client := newFakeS3("cams/1/003.jpg", "cams/1/001.jpg", "cams/1/readme.md", "cams/1/002.jpg", "cams/1/000.jpg")
	src := &S3Source{Client: client, Bucket: "rockfall", Prefix: "cams/1/", FPS: 30}

	seq, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, seq.Len())
	assert.Equal(t, "cams/1/000.jpg", string(seq.Frame(0)))
	assert.Equal(t, "cams/1/003.jpg", string(seq.Frame(3)))
	assert.Equal(t, "s3://rockfall/cams/1/", src.Name())
}

func TestS3Source_NoFrames(t *testing.T) {
	src := &S3Source{Client: newFakeS3("cams/1/readme.md"), Bucket: "rockfall", Prefix: "cams/1/", FPS: 30}
	_, err := src.Load(context.Background())
	var unavailable *SourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "no frames found", unavailable.Reason)
}

func TestS3Source_GetFails(t *testing.T) {
	client := newFakeS3("cams/1/000.jpg")
	client.getErr = errors.New("access denied")
	src := &S3Source{Client: client, Bucket: "rockfall", Prefix: "cams/1/", FPS: 30}

	_, err := src.Load(context.Background())
	var unavailable *SourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorContains(t, err, "access denied")
}
