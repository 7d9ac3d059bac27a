package epoch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftline/deltasync"
)

// EpochHeader is the response header carrying the server-assigned epoch
// (spec §4.2, §6: "Responses carry x-fluid-epoch header").
const EpochHeader = "x-fluid-epoch"

// MaxUrlLength is the annotation threshold above which the epoch falls
// back from a query parameter to the header (spec §6).
const MaxUrlLength = 2048

// PersistentCache mirrors the consumed cache contract of spec §6; it is
// a type alias of the parent package's interface so the epoch tracker
// and the delta manager agree on one cache shape without a circular
// import (epoch depends on deltasync, not the reverse).
type PersistentCache = deltasync.PersistentCache

// PushConnectDetails carries the epoch observed on a realtime
// connect/join notification (spec §4.2 contract:
// validateEpochFromPush(connectDetails)).
type PushConnectDetails struct {
	Epoch string
}

// Tracker implements spec §4.2: it owns the current epoch, is the sole
// writer to the persistent cache for its configured file entry, and
// annotates/validates every HTTP request passed through it. Grounded on
// connect/api.go's post/get helpers (request construction,
// context-scoped client.Do, JSON decode) adapted to a `(T, error)`
// return per SPEC_FULL.md's "callback-style becomes Result" note.
type Tracker struct {
	mutex sync.Mutex
	epoch string
	known bool

	fileEntry string

	cache   PersistentCache
	limiter *RateLimiter
	client  *http.Client
}

func NewTracker(cache PersistentCache, limiter *RateLimiter) *Tracker {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultPermits)
	}
	return &Tracker{
		cache:   cache,
		limiter: limiter,
		client:  defaultClient(),
	}
}

// SetFileEntry configures the cache key this tracker purges on
// mismatch. Spec §4.2: "fileEntry (settable once)".
func (self *Tracker) SetFileEntry(fileEntry string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.fileEntry != "" {
		panic("epoch: fileEntry already set")
	}
	self.fileEntry = fileEntry
}

func (self *Tracker) Epoch() (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.epoch, self.known
}

// ValidateEpochFromPush learns or checks the epoch carried on a
// realtime connect/join notification (spec §4.2's
// validateEpochFromPush).
func (self *Tracker) ValidateEpochFromPush(details PushConnectDetails) error {
	if details.Epoch == "" {
		return nil
	}
	return self.observe(details.Epoch)
}

// observe applies spec §4.2's validation rules to a freshly seen epoch
// value: learn on first contact, otherwise compare.
func (self *Tracker) observe(epoch string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.known {
		self.epoch = epoch
		self.known = true
		return nil
	}
	if self.epoch != epoch {
		return deltasync.NewEpochMismatchError(fmt.Sprintf("epoch mismatch: local=%s response=%s", self.epoch, epoch))
	}
	return nil
}

// annotate stamps the current epoch onto an outgoing request per spec
// §4.2's annotation rules: a multipart form field when addInBody is
// set, otherwise a URL query parameter, falling back to the
// x-fluid-epoch header once the annotated URL exceeds MaxUrlLength.
func (self *Tracker) annotate(rawUrl string, headers http.Header, body []byte, addInBody bool) (string, http.Header, []byte, error) {
	epoch, known := self.Epoch()
	if !known {
		return rawUrl, headers, body, nil
	}

	if addInBody {
		newBody, err := appendMultipartEpochField(body, epoch)
		if err != nil {
			return rawUrl, headers, body, err
		}
		return rawUrl, headers, newBody, nil
	}

	u, err := url.Parse(rawUrl)
	if err != nil {
		return rawUrl, headers, body, deltasync.NewFatalError(err.Error())
	}
	q := u.Query()
	q.Set("epoch", epoch)
	u.RawQuery = q.Encode()
	annotated := u.String()

	if len(annotated) <= MaxUrlLength {
		return annotated, headers, body, nil
	}

	if headers == nil {
		headers = http.Header{}
	} else {
		headers = headers.Clone()
	}
	headers.Set(EpochHeader, epoch)
	return rawUrl, headers, body, nil
}

// appendMultipartEpochField appends `epoch=<value>` as a form field
// just before the multipart body's closing boundary, reusing the
// boundary token parsed from the body's first CRLF-terminated line
// (spec §4.2: "boundary is the first CRLF-terminated line's token
// after the -- prefix").
func appendMultipartEpochField(body []byte, value string) ([]byte, error) {
	boundary, err := multipartBoundary(body)
	if err != nil {
		return nil, err
	}

	closer := []byte("--" + boundary + "--")
	idx := bytes.LastIndex(body, closer)
	if idx < 0 {
		return nil, deltasync.NewFatalError("epoch: multipart body missing closing boundary")
	}

	var part bytes.Buffer
	part.WriteString("--" + boundary + "\r\n")
	part.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=\"epoch\"\r\n\r\n"))
	part.WriteString(value)
	part.WriteString("\r\n")

	out := make([]byte, 0, len(body)+part.Len())
	out = append(out, body[:idx]...)
	out = append(out, part.Bytes()...)
	out = append(out, body[idx:]...)
	return out, nil
}

func multipartBoundary(body []byte) (string, error) {
	idx := bytes.Index(body, []byte("\r\n"))
	if idx < 0 {
		return "", deltasync.NewFatalError("epoch: multipart body missing boundary line")
	}
	firstLine := string(body[:idx])
	if !strings.HasPrefix(firstLine, "--") {
		return "", deltasync.NewFatalError("epoch: multipart body missing -- prefix")
	}
	return strings.TrimSpace(strings.TrimPrefix(firstLine, "--")), nil
}

// wireErrorBody is the error shape of spec §6: "All errors MAY carry
// { canRetry, retryAfterSeconds, errorType, statusCode, errorMessage }".
type wireErrorBody struct {
	CanRetry          *bool    `json:"canRetry,omitempty"`
	RetryAfterSeconds *float64 `json:"retryAfterSeconds,omitempty"`
	ErrorType         string   `json:"errorType,omitempty"`
	StatusCode        int      `json:"statusCode,omitempty"`
	ErrorMessage      string   `json:"errorMessage,omitempty"`
}

// classifyStatus maps a non-2xx HTTP response to the ErrorKind taxonomy
// of spec §7, special-casing errorType == "epochVersionMismatch" (spec
// §4.2's mismatch handling).
func classifyStatus(status int, body string) error {
	var wireErr wireErrorBody
	_ = json.Unmarshal([]byte(body), &wireErr)

	if wireErr.ErrorType == "epochVersionMismatch" {
		msg := wireErr.ErrorMessage
		if msg == "" {
			msg = body
		}
		return deltasync.NewEpochMismatchError(msg)
	}

	if status == http.StatusTooManyRequests {
		retryAfter := time.Second
		if wireErr.RetryAfterSeconds != nil {
			retryAfter = time.Duration(*wireErr.RetryAfterSeconds * float64(time.Second))
		}
		return deltasync.NewThrottledError(retryAfter, status)
	}

	if status >= 500 {
		return &deltasync.DeltaError{Kind: deltasync.ErrorKindTransient, Message: body, StatusCode: status}
	}

	de := &deltasync.DeltaError{Message: body, StatusCode: status}
	if wireErr.CanRetry != nil && !*wireErr.CanRetry {
		no := false
		de.Kind = deltasync.ErrorKindFatal
		de.CanRetryOverride = &no
	} else {
		de.Kind = deltasync.ErrorKindTransient
	}
	return de
}

// handleMismatch implements spec §4.2's mismatch handling: re-check
// against the response's own epoch header to distinguish a genuine
// divergence from a coherency 409 (both sides actually agree), purging
// the persistent cache only in the genuine case.
func (self *Tracker) handleMismatch(ctx context.Context, err error, headers http.Header) error {
	de := deltasync.AsDeltaError(err)
	if de == nil || de.Kind != deltasync.ErrorKindEpochMismatch {
		return err
	}

	respEpoch := ""
	if headers != nil {
		respEpoch = headers.Get(EpochHeader)
	}
	localEpoch, _ := self.Epoch()

	if respEpoch != "" && respEpoch == localEpoch {
		return deltasync.NewThrottledError(1*time.Second, http.StatusTooManyRequests)
	}

	if purgeErr := self.purge(ctx); purgeErr != nil {
		return purgeErr
	}
	return err
}

func (self *Tracker) purge(ctx context.Context) error {
	self.mutex.Lock()
	fileEntry := self.fileEntry
	self.mutex.Unlock()
	if fileEntry == "" {
		panic("epoch: cache purge requires a configured fileEntry")
	}
	return self.cache.RemoveEntries(ctx, fileEntry)
}

// FetchResponse is the low-level request primitive (spec §4.2's
// fetchResponse contract): annotate, rate-limit, send, and validate.
// The returned *http.Response's body is the caller's to close.
func (self *Tracker) FetchResponse(
	ctx context.Context,
	method string,
	rawUrl string,
	body []byte,
	headers http.Header,
	fetchType FetchType,
	addInBody bool,
) (*http.Response, error) {
	annotatedUrl, annotatedHeaders, annotatedBody, err := self.annotate(rawUrl, headers, body, addInBody)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	rlErr := self.limiter.Schedule(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, annotatedUrl, bytes.NewReader(annotatedBody))
		if err != nil {
			return deltasync.NewFatalError(err.Error())
		}
		for k, vs := range annotatedHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		r, err := self.client.Do(req)
		if err != nil {
			return deltasync.NewTransientError(err.Error())
		}
		resp = r
		return nil
	})
	if rlErr != nil {
		return nil, rlErr
	}

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		classified := classifyStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
		return nil, self.handleMismatch(ctx, classified, resp.Header)
	}

	if err := self.observeFromHeader(resp.Header); err != nil {
		resp.Body.Close()
		return nil, self.handleMismatch(ctx, err, resp.Header)
	}

	return resp, nil
}

// observeFromHeader is the Response Validator of spec §4.2: "Extract
// x-fluid-epoch from response headers ... If response epoch absent:
// no-op (some endpoints omit it)."
func (self *Tracker) observeFromHeader(headers http.Header) error {
	respEpoch := headers.Get(EpochHeader)
	if respEpoch == "" {
		return nil
	}
	return self.observe(respEpoch)
}

// FetchAndParseAsJSON is the generic request+decode helper (spec §4.2's
// fetchAndParseAsJSON<T> contract). Generic functions can't be methods
// in Go, so it takes the tracker explicitly.
func FetchAndParseAsJSON[T any](
	ctx context.Context,
	tracker *Tracker,
	method string,
	url string,
	body []byte,
	headers http.Header,
	fetchType FetchType,
	addInBody bool,
) (T, error) {
	var empty T
	resp, err := tracker.FetchResponse(ctx, method, url, body, headers, fetchType, addInBody)
	if err != nil {
		return empty, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, deltasync.NewTransientError(err.Error())
	}

	// a successful response with no body decodes to T's zero value
	if len(bytes.TrimSpace(raw)) == 0 {
		return empty, nil
	}

	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return empty, deltasync.NewFatalError(err.Error())
	}
	return result, nil
}

// FetchFromCache is spec §4.2's fetchFromCache<T> contract: read one
// entry from the persistent cache, validate its epoch, and decode it.
func FetchFromCache[T any](ctx context.Context, tracker *Tracker, entry string, maxOpCount *int, fetchType FetchType) (T, bool, error) {
	var empty T
	cached, ok, err := tracker.cache.Get(ctx, entry, maxOpCount)
	if err != nil {
		return empty, false, err
	}
	if !ok {
		return empty, false, nil
	}

	if cached.FluidEpoch != "" {
		if err := tracker.observe(cached.FluidEpoch); err != nil {
			return empty, false, tracker.handleMismatch(ctx, err, nil)
		}
	}

	var result T
	if err := json.Unmarshal(cached.Value, &result); err != nil {
		return empty, false, deltasync.NewFatalError(err.Error())
	}
	return result, true, nil
}
