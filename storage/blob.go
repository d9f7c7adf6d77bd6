package storage

import (
	"broker-monitor/pkg/broker"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const (
	brokersPrefix  = "brokers/"
	listingsPrefix = "listings/"
	runsPrefix     = "runs/"
	issuesPrefix   = "issues/"
)

// Blob stores each record as a JSON object, either in a local directory or a
// Cloud Storage bucket. Listings are keyed by ListingKey of their URL, so URL
// uniqueness is enforced by create-only writes.
type Blob struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewBlob creates a blob store. When localPath is set the client and bucket
// are ignored.
func NewBlob(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Blob {
	return &Blob{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Brokers returns the roster ordered by tier, then name.
func (s *Blob) Brokers(ctx context.Context) ([]*broker.Target, error) {
	keys, err := s.list(ctx, brokersPrefix)
	if err != nil {
		return nil, err
	}

	var out []*broker.Target
	for _, key := range keys {
		var t broker.Target
		if err := s.get(ctx, key, &t); err != nil {
			s.logger.Warn("Failed to load broker", "key", key, "error", err)
			continue
		}
		out = append(out, &t)
	}
	slices.SortFunc(out, func(a, b *broker.Target) int {
		return cmp.Or(cmp.Compare(a.Tier, b.Tier), strings.Compare(a.Name, b.Name))
	})
	return out, nil
}

// Broker loads a broker by id.
func (s *Blob) Broker(ctx context.Context, id string) (*broker.Target, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var t broker.Target
	if err := s.get(ctx, brokersPrefix+id+".json", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveBroker creates or replaces a broker, assigning an id when it has none.
func (s *Blob) SaveBroker(ctx context.Context, t *broker.Target) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if !validID(t.ID) {
		return fmt.Errorf("invalid broker id %q", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.put(ctx, brokersPrefix+t.ID+".json", t, false); err != nil {
		return err
	}
	s.logger.Info("Broker saved", "broker_id", t.ID, "broker", t.Name)
	return nil
}

// TouchBroker stamps the broker's last successful scrape.
func (s *Blob) TouchBroker(ctx context.Context, id string, at time.Time) error {
	t, err := s.Broker(ctx, id)
	if err != nil {
		return err
	}
	at = at.UTC()
	t.LastScrapedAt = &at
	return s.put(ctx, brokersPrefix+t.ID+".json", t, false)
}

// FindByURL loads the listing stored for url.
func (s *Blob) FindByURL(ctx context.Context, url string) (*broker.Listing, error) {
	var l broker.Listing
	if err := s.get(ctx, listingsPrefix+ListingKey(url)+".json", &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateListing stores a new, unnotified listing. It fails with
// ErrDuplicateURL if the URL is already stored.
func (s *Blob) CreateListing(ctx context.Context, c broker.Candidate, brokerID string, at time.Time) (*broker.Listing, error) {
	l := newListing(c, brokerID, at)
	l.ID = ListingKey(c.URL)
	if err := s.put(ctx, listingsPrefix+l.ID+".json", l, true); err != nil {
		return nil, err
	}
	return l, nil
}

// MarkNotified stamps the listing. An existing stamp is left untouched.
func (s *Blob) MarkNotified(ctx context.Context, id string, at time.Time) error {
	if !validID(id) {
		return ErrNotFound
	}
	key := listingsPrefix + id + ".json"
	var l broker.Listing
	if err := s.get(ctx, key, &l); err != nil {
		return err
	}
	if l.Notified() {
		return nil
	}
	at = at.UTC()
	l.NotifiedAt = &at
	return s.put(ctx, key, &l, false)
}

// StartRun records a running scrape for brokerID.
func (s *Blob) StartRun(ctx context.Context, brokerID string, at time.Time) (*broker.RunLog, error) {
	rl := &broker.RunLog{
		ID:        uuid.NewString(),
		BrokerID:  brokerID,
		StartedAt: at.UTC(),
		Status:    broker.RunRunning,
	}
	if err := s.put(ctx, runsPrefix+rl.ID+".json", rl, false); err != nil {
		return nil, err
	}
	return rl, nil
}

// FinishRun writes the completed run log.
func (s *Blob) FinishRun(ctx context.Context, rl *broker.RunLog) error {
	if !validID(rl.ID) {
		return fmt.Errorf("invalid run id %q", rl.ID)
	}
	return s.put(ctx, runsPrefix+rl.ID+".json", rl, false)
}

// Logs returns run logs newest first, optionally for one broker. A limit of
// zero or less returns all.
func (s *Blob) Logs(ctx context.Context, brokerID string, limit int) ([]*broker.RunLog, error) {
	keys, err := s.list(ctx, runsPrefix)
	if err != nil {
		return nil, err
	}

	var out []*broker.RunLog
	for _, key := range keys {
		var rl broker.RunLog
		if err := s.get(ctx, key, &rl); err != nil {
			s.logger.Warn("Failed to load run log", "key", key, "error", err)
			continue
		}
		if brokerID != "" && rl.BrokerID != brokerID {
			continue
		}
		out = append(out, &rl)
	}
	slices.SortFunc(out, func(a, b *broker.RunLog) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateIssue records an operational incident.
func (s *Blob) CreateIssue(ctx context.Context, issue *broker.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.Date.IsZero() {
		issue.Date = time.Now().UTC()
	}
	return s.put(ctx, issuesPrefix+issue.ID+".json", issue, false)
}

// Issues returns incidents newest first.
func (s *Blob) Issues(ctx context.Context, limit int) ([]*broker.Issue, error) {
	keys, err := s.list(ctx, issuesPrefix)
	if err != nil {
		return nil, err
	}

	var out []*broker.Issue
	for _, key := range keys {
		var is broker.Issue
		if err := s.get(ctx, key, &is); err != nil {
			s.logger.Warn("Failed to load issue", "key", key, "error", err)
			continue
		}
		out = append(out, &is)
	}
	slices.SortFunc(out, func(a, b *broker.Issue) int {
		return b.Date.Compare(a.Date)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases the Cloud Storage client, if any.
func (s *Blob) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// put writes v as JSON under key. With exclusive set the write fails with
// ErrDuplicateURL if the object already exists.
func (s *Blob) put(ctx context.Context, key string, v any, exclusive bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		// Objects only appear under their final name once fully written.
		tmp, err := writeTemp(filePath, data)
		if err != nil {
			return err
		}
		defer func() {
			if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("Failed to remove temp file", "path", tmp, "error", rmErr)
			}
		}()

		if !exclusive {
			if err := os.Rename(tmp, filePath); err != nil {
				return fmt.Errorf("write to local storage: %w", err)
			}
			s.logger.Debug("Object saved to local storage", "path", filePath)
			return nil
		}

		if err := s.linkExclusive(tmp, filePath); err != nil {
			return err
		}
		s.logger.Debug("Object created in local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	var exists bool
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if exclusive {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					exists = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if exists {
		return ErrDuplicateURL
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Object saved", "key", key)
	return nil
}

// writeTemp writes data to a hidden file next to filePath and returns its name.
func writeTemp(filePath string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(filePath), "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close local storage file: %w", err)
	}
	return name, nil
}

// linkExclusive publishes tmp as filePath unless filePath already exists.
// An empty filePath, left by an interrupted write, is replaced.
func (s *Blob) linkExclusive(tmp, filePath string) error {
	err := os.Link(tmp, filePath)
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create in local storage: %w", err)
	}

	info, statErr := os.Stat(filePath)
	if statErr != nil || info.Size() > 0 {
		return ErrDuplicateURL
	}
	s.logger.Warn("Replacing empty object left by an interrupted write", "path", filePath)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove empty object: %w", err)
	}
	if err := os.Link(tmp, filePath); err != nil {
		if os.IsExist(err) {
			return ErrDuplicateURL
		}
		return fmt.Errorf("create in local storage: %w", err)
	}
	return nil
}

// get loads the JSON object at key into v.
func (s *Blob) get(ctx context.Context, key string, v any) error {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
		if len(data) == 0 {
			// An interrupted write left the object empty; nothing was stored.
			return ErrNotFound
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var missing bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if missing {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// list returns the keys of all JSON objects under prefix.
func (s *Blob) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		dir := filepath.Join(s.localPath, filepath.FromSlash(prefix))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, path.Join(prefix, entry.Name()))
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
