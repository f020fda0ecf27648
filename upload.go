package nexasync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// UploadBreakerClass is the breaker guarding every media upload.
	UploadBreakerClass = "media-upload"

	DefaultMaxUploadSize = 50 * 1024 * 1024
)

// Blob is a local file ready for upload.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// BlobFromFile reads path into a Blob, guessing its content type.
func BlobFromFile(filePath string) (Blob, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Blob{}, fmt.Errorf("read %s: %w", filePath, err)
	}
	name := filepath.Base(filePath)
	return Blob{Name: name, ContentType: guessContentType(name), Data: data}, nil
}

func (b Blob) contentType() string {
	if b.ContentType != "" {
		return b.ContentType
	}
	return guessContentType(b.Name)
}

// Uploader stores a blob in bucket and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, blob Blob, bucket string) (string, error)
}

// UploadWithRetry runs up.Upload through exec, guarded by the
// media-upload breaker.
func UploadWithRetry(ctx context.Context, exec *Executor, up Uploader, blob Blob, bucket string) (string, error) {
	if blob.Name == "" {
		return "", validationError("upload", "blob name is required")
	}
	return Execute(ctx, exec, UploadBreakerClass, func(ctx context.Context) (string, error) {
		return up.Upload(ctx, blob, bucket)
	})
}

// RetryingUploader is an Uploader that goes through UploadWithRetry.
type RetryingUploader struct {
	Uploader Uploader
	Executor *Executor
}

func (r RetryingUploader) Upload(ctx context.Context, blob Blob, bucket string) (string, error) {
	return UploadWithRetry(ctx, r.Executor, r.Uploader, blob, bucket)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not always in the host's mime registry.
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm",
		".heic": "image/heic", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i > 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}

// objectKey places each upload under a fresh prefix so names never
// collide.
func objectKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = "blob"
	}
	return uuid.NewString() + "/" + base
}

// ============================================================================
// S3Uploader
// ============================================================================

// S3Config points an S3Uploader at AWS or an S3-compatible endpoint.
type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	// PublicBaseURL replaces the bucket URL in returned links, e.g. a CDN.
	PublicBaseURL string
	MaxSize       int64
}

// S3Uploader puts blobs into S3 with PutObject.
type S3Uploader struct {
	client     *s3.S3
	publicBase string
	maxSize    int64
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(cfg.Endpoint != ""),
		// Retries belong to the executor.
		MaxRetries: aws.Int(0),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &S3Uploader{
		client:     s3.New(sess),
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxSize:    maxSize,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, blob Blob, bucket string) (string, error) {
	if bucket == "" {
		return "", validationError("s3 upload", "bucket is required")
	}
	if int64(len(blob.Data)) > u.maxSize {
		return "", &Error{Kind: KindPayloadTooLarge, Op: "s3 upload", Message: fmt.Sprintf("%d bytes exceeds %d", len(blob.Data), u.maxSize)}
	}
	key := objectKey(blob.Name)
	req, _ := u.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob.Data),
		ContentType: aws.String(blob.contentType()),
	})
	req.SetContext(ctx)
	if err := req.Send(); err != nil {
		return "", s3Error(ctx, err)
	}
	if u.publicBase != "" {
		return u.publicBase + "/" + key, nil
	}
	loc := *req.HTTPRequest.URL
	loc.RawQuery = ""
	return loc.String(), nil
}

// s3Error maps SDK failures onto the error taxonomy. Responses carry an
// HTTP status; anything else never reached the service.
func s3Error(ctx context.Context, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:       ClassifyStatus(reqErr.StatusCode()),
			Op:         "s3 upload",
			StatusCode: reqErr.StatusCode(),
			Code:       reqErr.Code(),
			Message:    reqErr.Message(),
			Err:        err,
		}
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == request.CanceledErrorCode && ctx.Err() != nil {
		return ctx.Err()
	}
	return networkError("s3 upload", err)
}

// ============================================================================
// HTTPUploader
// ============================================================================

// HTTPUploader uploads through the API's presign flow:
//
//	POST /api/files/presign  {fileName, fileSize, mimeType, bucket} -> {uploadId, url, fields}
//	POST <url>               multipart form (presigned fields + file)
//	POST /api/files/confirm  {uploadId} -> {cdnUrl}
//
// An absolute url is a storage endpoint and gets no auth headers; a
// relative one is served by the API itself.
type HTTPUploader struct {
	api     *apiClient
	maxSize int64
}

func NewHTTPUploader(baseURL string, opts ...HTTPOption) *HTTPUploader {
	return &HTTPUploader{api: newAPIClient(baseURL, opts), maxSize: DefaultMaxUploadSize}
}

// SetMaxSize overrides the size limit checked before any request.
func (u *HTTPUploader) SetMaxSize(n int64) { u.maxSize = n }

// envelope reads name from {"data":{...}} or a bare object.
func envelope(body []byte, name string) gjson.Result {
	if r := gjson.GetBytes(body, "data."+name); r.Exists() {
		return r
	}
	return gjson.GetBytes(body, name)
}

func (u *HTTPUploader) Upload(ctx context.Context, blob Blob, bucket string) (string, error) {
	size := int64(len(blob.Data))
	if size > u.maxSize {
		return "", &Error{Kind: KindPayloadTooLarge, Op: "upload", Message: fmt.Sprintf("%d bytes exceeds %d", size, u.maxSize)}
	}
	ctype := blob.contentType()

	// Presign
	presign, err := u.api.doRequest(ctx, "upload presign", http.MethodPost, "/api/files/presign", nil, map[string]any{
		"fileName": blob.Name, "fileSize": size, "mimeType": ctype, "bucket": bucket,
	}, nil)
	if err != nil {
		return "", err
	}
	uploadID := envelope(presign.body, "uploadId").String()
	target := envelope(presign.body, "url").String()
	if uploadID == "" || target == "" {
		return "", &Error{Kind: KindNetwork, Op: "upload presign", Message: "malformed presign response"}
	}
	fields := map[string]string{}
	envelope(presign.body, "fields").ForEach(func(k, v gjson.Result) bool {
		fields[k.String()] = v.String()
		return true
	})

	// Upload
	if err := u.postForm(ctx, target, fields, blob, ctype); err != nil {
		return "", err
	}

	// Confirm
	confirm, err := u.api.doRequest(ctx, "upload confirm", http.MethodPost, "/api/files/confirm", nil, map[string]any{
		"uploadId": uploadID,
	}, nil)
	if err != nil {
		return "", err
	}
	publicURL := envelope(confirm.body, "cdnUrl").String()
	if publicURL == "" {
		publicURL = envelope(confirm.body, "url").String()
	}
	if publicURL == "" {
		return "", &Error{Kind: KindNetwork, Op: "upload confirm", Message: "confirm returned no url"}
	}
	return publicURL, nil
}

func (u *HTTPUploader) postForm(ctx context.Context, target string, fields map[string]string, blob Blob, ctype string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	external := strings.HasPrefix(target, "http")
	if external {
		for _, k := range sortedKeys(fields) {
			_ = w.WriteField(k, fields[k])
		}
	}
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, blob.Name)},
		"Content-Type":        {ctype},
	})
	if err != nil {
		return validationError("upload", "build form: %v", err)
	}
	if _, err := part.Write(blob.Data); err != nil {
		return validationError("upload", "build form: %v", err)
	}
	_ = w.Close()

	if !external {
		target = u.api.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return validationError("upload", "build request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		u.api.setAuthHeaders(req)
	}

	resp, err := u.api.httpClient.Do(req)
	if err != nil {
		return networkError("upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apiError("upload", resp.StatusCode, body)
	}
	return nil
}
