package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultDNSServer is the local stub resolver used for tier lookups.
const DefaultDNSServer = "127.0.0.53:53"

// TierResolver turns a network blob tier into a host:port endpoint.
// A tier that already carries a port is used verbatim; anything else is looked
// up as a DNS SRV name.
type TierResolver struct {
	Server string
	Client *dns.Client
}

// NewTierResolver creates a resolver querying server, DefaultDNSServer if empty.
func NewTierResolver(server string) *TierResolver {
	if server == "" {
		server = DefaultDNSServer
	}
	return &TierResolver{
		Server: server,
		Client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// Resolve returns the endpoint for tier.
func (r *TierResolver) Resolve(ctx context.Context, tier string) (string, error) {
	if _, _, err := net.SplitHostPort(tier); err == nil {
		return tier, nil
	}

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(tier), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tier %q: %w", tier, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("failed to resolve tier %q: %s", tier, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("tier %q has no SRV records", tier)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	best := records[0]
	host := strings.TrimSuffix(best.Target, ".")
	return net.JoinHostPort(host, strconv.Itoa(int(best.Port))), nil
}

// NetworkBlob stores blobs on a network-attached S3-compatible object service.
// The export is the bucket and every key is placed under basePath.
type NetworkBlob struct {
	client   *minio.Client
	bucket   string
	basePath string
	log      *slog.Logger
}

// NewNetworkBlobClient connects to endpoint with credentials taken from the
// MINIO_* or AWS_* environment variables.
func NewNetworkBlobClient(endpoint string, secure bool) (*minio.Client, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvMinio{},
		&credentials.EnvAWS{},
	})
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network blob client for %s: %w", endpoint, err)
	}
	return client, nil
}

// NewNetworkBlob creates a network blobstore over an existing client.
func NewNetworkBlob(client *minio.Client, bucket, basePath string, log *slog.Logger) *NetworkBlob {
	if log == nil {
		log = slog.Default()
	}
	return &NetworkBlob{
		client:   client,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		log:      log,
	}
}

func (b *NetworkBlob) objectKey(key string) string {
	if b.basePath == "" {
		return key
	}
	return b.basePath + "/" + key
}

func (b *NetworkBlob) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	objectKey := b.objectKey(key)

	obj, err := b.client.GetObject(ctx, b.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object from network blob: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object from network blob: %w", err)
	}
	if data == nil {
		data = []byte{}
	}

	b.log.Debug("Fetched blob from network blob",
		slog.String("bucket", b.bucket),
		slog.String("key", objectKey),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *NetworkBlob) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.objectKey(key), bytes.NewReader(value), int64(len(value)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to put object to network blob: %w", err)
	}
	return nil
}

func (b *NetworkBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object in network blob: %w", err)
	}
	return true, nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
