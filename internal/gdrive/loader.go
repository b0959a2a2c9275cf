// Package gdrive ingests a Google Drive folder tree into the global
// knowledge dataset: cycle-safe DFS listing, bounded-retry downloads,
// text extraction and fingerprint-based skip of unchanged folders.
package gdrive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/locks"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/logging"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	listPageSize   = 1000

	fingerprintKeyFmt = "ai_coach:gdrive:folder:%s:fingerprint"
	summaryKeyFmt     = "ai_coach:gdrive:folder:%s:summary"
	summaryTTL        = 7 * 24 * time.Hour

	loadLockKey = "locks:kb_gdrive_load"
	loadLockTTL = 5 * time.Minute
)

// File is one discovered Drive file with its reconstructed folder path.
type File struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime string
	Size         int64
	KBPath       string // POSIX path inside the scanned tree
}

// Drive is the slice of the Drive API the loader consumes. Wrapped so
// tests can run against a fake tree.
type Drive interface {
	// ListChildren returns one page of a folder's children.
	ListChildren(ctx context.Context, folderID, pageToken string) (files []File, nextToken string, err error)

	// Download fetches a file body.
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// DocumentSink is where extracted documents land. Satisfied by the
// knowledge base facade.
type DocumentSink interface {
	UpdateDataset(ctx context.Context, text, alias, user string, nodeSet []string, metadata map[string]interface{}) error
}

// Summary is the load progress record kept in Redis.
type Summary struct {
	Status    string `json:"status"` // running | skipped | done | partial | error
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	UpdatedAt string `json:"updated_at"`
	Detail    string `json:"detail,omitempty"`
}

// Options configures a loader.
type Options struct {
	FolderID      string
	GlobalAlias   string
	User          string
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxFileSizeMB int
}

// Loader drives one folder ingestion run.
type Loader struct {
	drive  Drive
	sink   DocumentSink
	client *redis.Client
	opts   Options
}

// NewLoader wires a loader.
func NewLoader(d Drive, sink DocumentSink, client *redis.Client, opts Options) *Loader {
	if opts.GlobalAlias == "" {
		opts.GlobalAlias = "kb_global"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = 2
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxFileSizeMB <= 0 {
		opts.MaxFileSizeMB = 20
	}
	return &Loader{drive: d, sink: sink, client: client, opts: opts}
}

// Load runs a full folder ingestion guarded by the distributed lock.
// Returns the final summary; a held lock or matching fingerprint ends
// the run early with status "skipped".
func (l *Loader) Load(ctx context.Context, force bool) (Summary, error) {
	var summary Summary
	acquired, err := locks.WithLock(ctx, l.client, loadLockKey, loadLockTTL, 0, func(ctx context.Context) error {
		var runErr error
		summary, runErr = l.run(ctx, force)
		return runErr
	})
	if err != nil {
		return summary, err
	}
	if !acquired {
		logging.GDrive("load already running elsewhere, skipping")
		return Summary{Status: "skipped", Detail: "already_running"}, nil
	}
	return summary, nil
}

func (l *Loader) run(ctx context.Context, force bool) (Summary, error) {
	timer := logging.StartTimer(logging.CategoryGDrive, "Load")
	defer timer.Stop()

	files, err := l.ScanTree(ctx, l.opts.FolderID)
	if err != nil {
		s := Summary{Status: "error", Detail: err.Error()}
		l.putSummary(ctx, s)
		return s, fmt.Errorf("scan drive tree: %w", err)
	}

	fingerprint := Fingerprint(files)
	if !force && l.fingerprintMatches(ctx, fingerprint) {
		logging.GDrive("folder %s unchanged (fingerprint match), skipping", l.opts.FolderID)
		s := Summary{Status: "skipped", Total: len(files), Detail: "fingerprint_match"}
		l.putSummary(ctx, s)
		return s, nil
	}

	s := Summary{Status: "running", Total: len(files)}
	l.putSummary(ctx, s)

	progressEvery := len(files) / 20
	if progressEvery < 1 {
		progressEvery = 1
	}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			s.Status = "partial"
			l.putSummary(ctx, s)
			return s, err
		}

		switch l.ingestFile(ctx, f) {
		case ingestOK:
			s.Processed++
		case ingestSkipped:
			s.Skipped++
		case ingestFailed:
			s.Errors++
		}

		if (i+1)%progressEvery == 0 {
			l.putSummary(ctx, s)
			logging.GDriveDebug("progress %d/%d (skipped %d, errors %d)", i+1, len(files), s.Skipped, s.Errors)
		}
	}

	if s.Errors > 0 {
		s.Status = "partial"
	} else {
		s.Status = "done"
		l.storeFingerprint(ctx, fingerprint)
	}
	l.putSummary(ctx, s)
	logging.GDrive("load finished: %d processed, %d skipped, %d errors", s.Processed, s.Skipped, s.Errors)
	return s, nil
}

type ingestResult int

const (
	ingestOK ingestResult = iota
	ingestSkipped
	ingestFailed
)

func (l *Loader) ingestFile(ctx context.Context, f File) ingestResult {
	if !SupportedExt(f.Name) {
		return ingestSkipped
	}
	if f.Size > int64(l.opts.MaxFileSizeMB)*1024*1024 {
		logging.GDrive("skipping %s: %d bytes over the %d MB cap", f.KBPath, f.Size, l.opts.MaxFileSizeMB)
		return ingestSkipped
	}

	data, err := l.download(ctx, f.ID)
	if err != nil {
		logging.Get(logging.CategoryGDrive).Error("download %s failed: %v", f.KBPath, err)
		return ingestFailed
	}

	text, err := ExtractText(f.Name, data)
	if err != nil {
		logging.Get(logging.CategoryGDrive).Warn("extract %s failed: %v", f.KBPath, err)
		return ingestFailed
	}
	if strings.TrimSpace(text) == "" {
		logging.GDriveDebug("%s empty after extraction, skipping", f.KBPath)
		return ingestSkipped
	}

	meta := map[string]interface{}{
		"source":   "gdrive",
		"kb_path":  f.KBPath,
		"file_id":  f.ID,
		"modified": f.ModifiedTime,
	}
	nodeSet := []string{"gdrive:" + f.ID}
	if err := l.sink.UpdateDataset(ctx, text, l.opts.GlobalAlias, l.opts.User, nodeSet, meta); err != nil {
		logging.Get(logging.CategoryGDrive).Error("ingest %s failed: %v", f.KBPath, err)
		return ingestFailed
	}
	return ingestOK
}

// ScanTree walks the folder tree depth-first with paging, assembling
// POSIX paths. A visited set makes shortcut cycles harmless.
func (l *Loader) ScanTree(ctx context.Context, rootID string) ([]File, error) {
	type frame struct {
		id     string
		prefix string
	}
	stack := []frame{{id: rootID}}
	visited := map[string]bool{rootID: true}
	var out []File

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pageToken := ""
		for {
			files, next, err := l.drive.ListChildren(ctx, top.id, pageToken)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.MimeType == folderMimeType {
					if visited[f.ID] {
						continue
					}
					visited[f.ID] = true
					stack = append(stack, frame{id: f.ID, prefix: path.Join(top.prefix, f.Name)})
					continue
				}
				f.KBPath = path.Join(top.prefix, f.Name)
				out = append(out, f)
			}
			if next == "" {
				break
			}
			pageToken = next
		}
	}
	return out, nil
}

// download retries transient failures with bounded exponential backoff.
func (l *Loader) download(ctx context.Context, fileID string) ([]byte, error) {
	delay := l.opts.InitialDelay
	var lastErr error
	for attempt := 0; attempt < l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * l.opts.BackoffFactor)
			if delay > l.opts.MaxDelay {
				delay = l.opts.MaxDelay
			}
		}

		data, err := l.drive.Download(ctx, fileID)
		if err == nil {
			return data, nil
		}
		if !retryableDownload(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("download %s failed after %d attempts: %w", fileID, l.opts.MaxRetries, lastErr)
}

// retryableDownload: API 429/5xx and generic transport errors retry;
// other API errors (404, 403) are final.
func retryableDownload(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500
	}
	return true
}

// Fingerprint hashes the listed tree state: sorted "<id>:<mtime>:<size>"
// per file. Equal fingerprints mean nothing to re-ingest.
func Fingerprint(files []File) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s:%s:%d", f.ID, f.ModifiedTime, f.Size))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func (l *Loader) fingerprintMatches(ctx context.Context, fingerprint string) bool {
	stored, err := l.client.Get(ctx, fmt.Sprintf(fingerprintKeyFmt, l.opts.FolderID)).Result()
	return err == nil && stored == fingerprint
}

func (l *Loader) storeFingerprint(ctx context.Context, fingerprint string) {
	key := fmt.Sprintf(fingerprintKeyFmt, l.opts.FolderID)
	if err := l.client.Set(ctx, key, fingerprint, 0).Err(); err != nil {
		logging.Get(logging.CategoryGDrive).Warn("fingerprint store failed: %v", err)
	}
}

func (l *Loader) putSummary(ctx context.Context, s Summary) {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	key := fmt.Sprintf(summaryKeyFmt, l.opts.FolderID)
	if err := l.client.Set(ctx, key, data, summaryTTL).Err(); err != nil {
		logging.Get(logging.CategoryGDrive).Warn("summary store failed: %v", err)
	}
}

// LoadSummary reads the last stored summary for a folder.
func LoadSummary(ctx context.Context, client *redis.Client, folderID string) (Summary, bool) {
	raw, err := client.Get(ctx, fmt.Sprintf(summaryKeyFmt, folderID)).Result()
	if err != nil {
		return Summary{}, false
	}
	var s Summary
	if json.Unmarshal([]byte(raw), &s) != nil {
		return Summary{}, false
	}
	return s, true
}

// apiDrive adapts the real Drive v3 service to the Drive interface.
type apiDrive struct {
	svc *drive.Service
}

// NewDrive builds the production Drive client from a service-account
// credentials file.
func NewDrive(ctx context.Context, credentialsFile string) (Drive, error) {
	svc, err := drive.NewService(ctx, option.WithCredentialsFile(credentialsFile), option.WithScopes(drive.DriveReadonlyScope))
	if err != nil {
		return nil, fmt.Errorf("drive service init: %w", err)
	}
	return &apiDrive{svc: svc}, nil
}

func (d *apiDrive) ListChildren(ctx context.Context, folderID, pageToken string) ([]File, string, error) {
	call := d.svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", folderID)).
		PageSize(listPageSize).
		Fields("nextPageToken, files(id, name, mimeType, modifiedTime, size)").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, "", err
	}

	files := make([]File, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, File{
			ID:           f.Id,
			Name:         f.Name,
			MimeType:     f.MimeType,
			ModifiedTime: f.ModifiedTime,
			Size:         f.Size,
		})
	}
	return files, res.NextPageToken, nil
}

func (d *apiDrive) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := d.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
