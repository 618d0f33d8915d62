package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/bytesize"
)

type capturedPut struct {
	bucket string
	key    string
	body   string
}

type fakeUploader struct {
	puts     []capturedPut
	failNext bool
}

func (f *fakeUploader) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failNext {
		f.failNext = false
		return nil, errors.New("upload refused")
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, capturedPut{
		bucket: *params.Bucket,
		key:    *params.Key,
		body:   string(body),
	})
	return &s3.PutObjectOutput{}, nil
}

func newTestArchiver(t *testing.T, cfg Config) (*Archiver, *fakeUploader) {
	t.Helper()

	if cfg.Bucket == "" {
		cfg.Bucket = "ciris-audit"
	}
	cfg.Enabled = true

	up := &fakeUploader{}
	return NewWithClient(up, cfg), up
}

func TestFlushUploadsSegment(t *testing.T) {
	t.Parallel()

	a, up := newTestArchiver(t, Config{KeyPrefix: "audit/"})

	a.Append(1, []byte(`{"sequence":1}`))
	a.Append(2, []byte(`{"sequence":2}`))
	a.Append(3, []byte(`{"sequence":3}`))

	require.NoError(t, a.Flush(context.Background()))
	require.Len(t, up.puts, 1)

	put := up.puts[0]
	assert.Equal(t, "ciris-audit", put.bucket)
	assert.Equal(t, "audit/segment-00000000000000000001-00000000000000000003.jsonl", put.key)
	assert.Equal(t, "{\"sequence\":1}\n{\"sequence\":2}\n{\"sequence\":3}\n", put.body)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	t.Parallel()

	a, up := newTestArchiver(t, Config{})

	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, up.puts)
}

func TestFlushFailureRestoresBuffer(t *testing.T) {
	t.Parallel()

	a, up := newTestArchiver(t, Config{})
	ctx := context.Background()

	a.Append(1, []byte(`{"sequence":1}`))
	a.Append(2, []byte(`{"sequence":2}`))

	up.failNext = true
	require.Error(t, a.Flush(ctx))
	assert.Empty(t, up.puts)

	// Entries appended after the failed flush land behind the restored
	// segment.
	a.Append(3, []byte(`{"sequence":3}`))

	require.NoError(t, a.Flush(ctx))
	require.Len(t, up.puts, 1)
	assert.Equal(t, "segment-00000000000000000001-00000000000000000003.jsonl", up.puts[0].key)
	assert.Equal(t, "{\"sequence\":1}\n{\"sequence\":2}\n{\"sequence\":3}\n", up.puts[0].body)
}

func TestFullSignalsOnceBufferReachesSegmentSize(t *testing.T) {
	t.Parallel()

	a, _ := newTestArchiver(t, Config{SegmentSize: bytesize.ByteSize(16)})

	a.Append(1, []byte(`{"short":1}`))
	select {
	case <-a.Full():
		t.Fatal("full signal before segment size reached")
	default:
	}

	a.Append(2, []byte(`{"sequence":2,"pad":"xxxxxxxx"}`))
	select {
	case <-a.Full():
	default:
		t.Fatal("expected full signal after buffer crossed segment size")
	}
}

func TestCloseFlushesAndDropsLaterAppends(t *testing.T) {
	t.Parallel()

	a, up := newTestArchiver(t, Config{})
	ctx := context.Background()

	a.Append(1, []byte(`{"sequence":1}`))
	require.NoError(t, a.Close(ctx))
	require.Len(t, up.puts, 1)

	a.Append(2, []byte(`{"sequence":2}`))
	require.NoError(t, a.Flush(ctx))
	assert.Len(t, up.puts, 1, "appends after close must be dropped")
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true, Bucket: "b"}
	cfg.ApplyDefaults()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, bytesize.MiB, cfg.SegmentSize)
	require.NoError(t, cfg.Validate())

	disabled := Config{}
	disabled.ApplyDefaults()
	assert.Zero(t, disabled.Interval, "defaults only apply when enabled")
	require.NoError(t, disabled.Validate())

	missing := Config{Enabled: true}
	require.Error(t, missing.Validate())
}
