// Package drive implements the cloud repository over the Google Drive v3
// API: the full-hierarchy manifest builder, the incremental change feed
// poller, and the mutation operations the change processor replays.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/driveberry/driveberry/pkg/retry"
)

const (
	folderMimeType   = "application/vnd.google-apps.folder"
	shortcutMimeType = "application/vnd.google-apps.shortcut"

	// fileFields is requested on every call that returns file metadata.
	fileFields = "id,name,parents,mimeType,size,modifiedTime,md5Checksum,trashed,shortcutDetails"

	listPageSize = 1000
)

// ErrNotFound is returned when the Drive API reports 404 for an id.
var ErrNotFound = errors.New("drive: not found")

// File is the subset of Drive file metadata the engine consumes.
type File struct {
	ID           string
	Name         string
	Parents      []string
	MimeType     string
	Size         int64
	ModifiedTime time.Time
	MD5Checksum  string
	Trashed      bool

	// Shortcut target metadata, set when MimeType is the shortcut type.
	ShortcutTargetID       string
	ShortcutTargetMimeType string
}

// IsFolder reports whether the file is a Drive folder.
func (f *File) IsFolder() bool { return f.MimeType == folderMimeType }

// IsShortcut reports whether the file is a Drive shortcut.
func (f *File) IsShortcut() bool { return f.MimeType == shortcutMimeType }

// IsFolderShortcut reports whether the file is a shortcut whose target is a
// folder. The Drive query language cannot filter on the target mime type,
// so this check always happens client side.
func (f *File) IsFolderShortcut() bool {
	return f.IsShortcut() && f.ShortcutTargetMimeType == folderMimeType
}

// Change is one entry of the incremental change feed.
type Change struct {
	FileID  string
	Removed bool
	File    *File
}

// ChangePage is one page of the incremental change feed. Exactly one of
// NextPageToken and NewStartPageToken is set on a well-formed response.
type ChangePage struct {
	Changes           []*Change
	NextPageToken     string
	NewStartPageToken string
}

// API is the narrow Drive surface the engine consumes. The production
// implementation wraps the Drive v3 SDK; tests substitute a fake.
type API interface {
	// Root returns the id and display name of the authenticated user's
	// root folder.
	Root(ctx context.Context) (id, name string, err error)

	// ListFiles returns one page of files matching query.
	ListFiles(ctx context.Context, query, pageToken string) (files []*File, nextPageToken string, err error)

	// GetFile fetches metadata for one id.
	GetFile(ctx context.Context, id string) (*File, error)

	// ListChanges returns one page of the incremental change feed.
	ListChanges(ctx context.Context, pageToken string) (*ChangePage, error)

	// GetStartPageToken returns a fresh feed cursor.
	GetStartPageToken(ctx context.Context) (string, error)

	// CreateFolder creates a folder under parentID.
	CreateFolder(ctx context.Context, name, parentID string) (*File, error)

	// UploadFile creates a file under parentID with the given content.
	UploadFile(ctx context.Context, name, parentID string, content io.Reader) (*File, error)

	// UpdateContent replaces the content of an existing file.
	UpdateContent(ctx context.Context, id string, content io.Reader) (*File, error)

	// Move reparents and/or renames a file or folder.
	Move(ctx context.Context, id, oldParentID, newParentID, newName string) (*File, error)

	// Delete permanently removes a file or folder subtree.
	Delete(ctx context.Context, id string) error

	// Download opens the whole content stream of a file.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}

// realAPI implements API over the Drive v3 SDK with client-side rate
// limiting and retry on transport failures.
type realAPI struct {
	svc     *drivev3.Service
	limiter *rate.Limiter
	retry   retry.Config
}

// NewAPI wraps a Drive service. qps bounds the request rate against the
// per-user quota; zero disables the limiter.
func NewAPI(svc *drivev3.Service, qps float64) API {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), int(qps)+1)
	}
	return &realAPI{
		svc:     svc,
		limiter: limiter,
		retry:   retry.DefaultConfig(),
	}
}

// classify maps SDK errors: 404 to ErrNotFound, 429 and 5xx to retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, gerr.Message)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return retry.Retryable(err)
		}
		return err
	}
	// Anything that never reached the API is a transport failure.
	return retry.Retryable(err)
}

func call[T any](ctx context.Context, a *realAPI, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, a.retry, func() (T, error) {
		var zero T
		if err := a.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		v, err := fn()
		if err != nil {
			return zero, classify(err)
		}
		return v, nil
	})
}

func (a *realAPI) Root(ctx context.Context) (string, string, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		return a.svc.Files.Get("root").Fields("id,name").Context(ctx).Do()
	})
	if err != nil {
		return "", "", err
	}
	return f.Id, f.Name, nil
}

func (a *realAPI) ListFiles(ctx context.Context, query, pageToken string) ([]*File, string, error) {
	resp, err := call(ctx, a, func() (*drivev3.FileList, error) {
		req := a.svc.Files.List().
			Q(query).
			PageSize(listPageSize).
			Fields(googleapi.Field("nextPageToken,files(" + fileFields + ")"))
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		return req.Context(ctx).Do()
	})
	if err != nil {
		return nil, "", err
	}

	files := make([]*File, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, fromDriveFile(f))
	}
	return files, resp.NextPageToken, nil
}

func (a *realAPI) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		return a.svc.Files.Get(id).Fields(fileFields).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return fromDriveFile(f), nil
}

func (a *realAPI) ListChanges(ctx context.Context, pageToken string) (*ChangePage, error) {
	resp, err := call(ctx, a, func() (*drivev3.ChangeList, error) {
		return a.svc.Changes.List(pageToken).
			IncludeRemoved(true).
			PageSize(listPageSize).
			Fields(googleapi.Field("nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))")).
			Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	page := &ChangePage{
		NextPageToken:     resp.NextPageToken,
		NewStartPageToken: resp.NewStartPageToken,
	}
	for _, ch := range resp.Changes {
		if ch == nil || ch.FileId == "" {
			continue
		}
		entry := &Change{FileID: ch.FileId, Removed: ch.Removed}
		if ch.File != nil {
			entry.File = fromDriveFile(ch.File)
		}
		page.Changes = append(page.Changes, entry)
	}
	return page, nil
}

func (a *realAPI) GetStartPageToken(ctx context.Context) (string, error) {
	resp, err := call(ctx, a, func() (*drivev3.StartPageToken, error) {
		return a.svc.Changes.GetStartPageToken().Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	if resp.StartPageToken == "" {
		return "", fmt.Errorf("drive: empty start page token")
	}
	return resp.StartPageToken, nil
}

func (a *realAPI) CreateFolder(ctx context.Context, name, parentID string) (*File, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		return a.svc.Files.Create(&drivev3.File{
			Name:     name,
			MimeType: folderMimeType,
			Parents:  []string{parentID},
		}).Fields(fileFields).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return fromDriveFile(f), nil
}

func (a *realAPI) UploadFile(ctx context.Context, name, parentID string, content io.Reader) (*File, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		return a.svc.Files.Create(&drivev3.File{
			Name:    name,
			Parents: []string{parentID},
		}).Media(content).Fields(fileFields).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return fromDriveFile(f), nil
}

func (a *realAPI) UpdateContent(ctx context.Context, id string, content io.Reader) (*File, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		return a.svc.Files.Update(id, &drivev3.File{}).
			Media(content).Fields(fileFields).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return fromDriveFile(f), nil
}

func (a *realAPI) Move(ctx context.Context, id, oldParentID, newParentID, newName string) (*File, error) {
	f, err := call(ctx, a, func() (*drivev3.File, error) {
		req := a.svc.Files.Update(id, &drivev3.File{Name: newName}).
			Fields(fileFields)
		if oldParentID != newParentID {
			req = req.RemoveParents(oldParentID).AddParents(newParentID)
		}
		return req.Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return fromDriveFile(f), nil
}

func (a *realAPI) Delete(ctx context.Context, id string) error {
	_, err := call(ctx, a, func() (struct{}, error) {
		return struct{}{}, a.svc.Files.Delete(id).Context(ctx).Do()
	})
	return err
}

func (a *realAPI) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := call(ctx, a, func() (*http.Response, error) {
		return a.svc.Files.Get(id).Context(ctx).Download()
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func fromDriveFile(f *drivev3.File) *File {
	out := &File{
		ID:          f.Id,
		Name:        f.Name,
		Parents:     f.Parents,
		MimeType:    f.MimeType,
		Size:        f.Size,
		MD5Checksum: f.Md5Checksum,
		Trashed:     f.Trashed,
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			out.ModifiedTime = t.UTC()
		}
	}
	if f.ShortcutDetails != nil {
		out.ShortcutTargetID = f.ShortcutDetails.TargetId
		out.ShortcutTargetMimeType = f.ShortcutDetails.TargetMimeType
	}
	return out
}
