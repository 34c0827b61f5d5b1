package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/internal/gateway"
	"go.uber.org/zap"
)

const DefaultImageTTL = 2 * time.Minute

// Image is a registered QR image.
type Image struct {
	Data      []byte
	MIME      string
	ExpiresAt time.Time
}

// ImageRegistry hands out opaque, expiring handles for QR images so the
// bytes never travel inside a pairing attempt.
type ImageRegistry struct {
	ttl    time.Duration
	mu     sync.Mutex
	images map[string]Image
}

func NewImageRegistry(ttl time.Duration) *ImageRegistry {
	if ttl <= 0 {
		ttl = DefaultImageTTL
	}
	return &ImageRegistry{ttl: ttl, images: make(map[string]Image)}
}

// Put stores data and returns its handle.
func (r *ImageRegistry) Put(data []byte, mime string) string {
	handle := uuid.NewString()
	r.mu.Lock()
	r.images[handle] = Image{Data: data, MIME: mime, ExpiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return handle
}

// Get returns the image behind handle unless it was released or expired.
func (r *ImageRegistry) Get(handle string) (Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[handle]
	if !ok {
		return Image{}, false
	}
	if time.Now().After(img.ExpiresAt) {
		delete(r.images, handle)
		return Image{}, false
	}
	return img, true
}

func (r *ImageRegistry) Release(handle string) {
	if handle == "" {
		return
	}
	r.mu.Lock()
	delete(r.images, handle)
	r.mu.Unlock()
}

// Sweep drops expired images and reports how many were removed.
func (r *ImageRegistry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for h, img := range r.images {
		if now.After(img.ExpiresAt) {
			delete(r.images, h)
			n++
		}
	}
	return n
}

func (r *ImageRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

// QRPairingAttempt is the outcome of the latest QR fetch of a session.
// Exactly one of ImageHandle and ErrorMessage is set after a fetch.
type QRPairingAttempt struct {
	SessionName  string `json:"session_name"`
	ImageHandle  string `json:"image_handle,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// QRSource fetches pairing QR images from the gateway.
type QRSource interface {
	GetQRImage(ctx context.Context, name string) ([]byte, error)
}

// QRCodeManager tracks the QR attempt of one pairing flow.
type QRCodeManager struct {
	source   QRSource
	registry *ImageRegistry

	mu      sync.Mutex
	current QRPairingAttempt
}

func NewQRCodeManager(source QRSource, registry *ImageRegistry) *QRCodeManager {
	return &QRCodeManager{source: source, registry: registry}
}

// FetchQR replaces the current attempt with a fresh fetch for name. The
// returned error is the gateway error when the image could not be obtained.
func (m *QRCodeManager) FetchQR(ctx context.Context, name string) (QRPairingAttempt, error) {
	m.mu.Lock()
	m.registry.Release(m.current.ImageHandle)
	m.current = QRPairingAttempt{SessionName: name}
	m.mu.Unlock()

	attempt := QRPairingAttempt{SessionName: name}
	data, err := m.source.GetQRImage(ctx, name)
	if err == nil {
		kind, _ := filetype.Match(data)
		if !filetype.IsImage(data) {
			err = errNotAnImage(kind.MIME.Value)
		} else {
			attempt.ImageHandle = m.registry.Put(data, kind.MIME.Value)
		}
	}
	if err != nil {
		attempt.ErrorMessage = attemptMessage(err)
		zap.L().Warn("whatsapp: qr fetch failed", zap.String("session", name), zap.Error(err))
	}

	m.mu.Lock()
	// a concurrent fetch may have landed first; keep only the latest handle
	m.registry.Release(m.current.ImageHandle)
	m.current = attempt
	m.mu.Unlock()
	return attempt, err
}

// attemptMessage is the text shown to the operator: the gateway's own
// reason when there is one.
func attemptMessage(err error) string {
	var gErr *gateway.GatewayError
	if errors.As(err, &gErr) && gErr.Detail != "" {
		return gErr.Detail
	}
	return err.Error()
}

func errNotAnImage(mime string) error {
	detail := "qr payload is not an image"
	if mime != "" {
		detail += " (" + mime + ")"
	}
	return &gateway.GatewayError{Reason: gateway.ReasonQRUnavailable, Detail: detail}
}

// Retry is FetchQR issued again by the operator.
func (m *QRCodeManager) Retry(ctx context.Context, name string) (QRPairingAttempt, error) {
	return m.FetchQR(ctx, name)
}

// Reset releases the current image and forgets any error.
func (m *QRCodeManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.Release(m.current.ImageHandle)
	m.current = QRPairingAttempt{}
}

func (m *QRCodeManager) Current() QRPairingAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
