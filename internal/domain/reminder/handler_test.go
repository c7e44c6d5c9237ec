package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/domain/notification"
	"github.com/medclinic/clinic/internal/platform/middleware"
)

func newTestHandler() (*Handler, *memRepo, *fakeSender, *echo.Echo) {
	repo := newMemRepo()
	sender := &fakeSender{}
	svc := NewService(repo, notification.NewTemplateEngine())
	d := newTestDispatcher(repo, sender, 10)
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return NewHandler(svc, d), repo, sender, e
}

func post(e *echo.Echo, h echo.HandlerFunc, body string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/reminders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestHandler_Create(t *testing.T) {
	h, repo, _, e := newTestHandler()

	rec, err := post(e, h.Create, `{"user_id":"patient-1","role":"patient","template_id":"appointment-reminder","send_at":"2026-10-15T08:00:00Z","data":{"time":"09:00"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var rem Reminder
	_ = json.Unmarshal(rec.Body.Bytes(), &rem)
	if rem.Status != StatusPending || !rem.SendAt.Equal(time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected reminder %+v", rem)
	}
	if len(repo.items) != 1 {
		t.Errorf("expected 1 stored reminder, got %d", len(repo.items))
	}
}

func TestHandler_Create_Invalid(t *testing.T) {
	h, _, _, e := newTestHandler()
	for _, body := range []string{
		`{"role":"patient","template_id":"appointment-reminder","send_at":"2026-10-15T08:00:00Z"}`,
		`{"user_id":"p","role":"patient","template_id":"unknown","send_at":"2026-10-15T08:00:00Z"}`,
		`{"user_id":"p","role":"patient","template_id":"appointment-reminder"}`,
		`{"user_id":"p","role":"patient","template_id":"appointment-confirmed","send_at":"2026-10-15T08:00:00Z"}`,
	} {
		_, err := post(e, h.Create, body)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", body, err)
		}
	}
}

func TestHandler_Run(t *testing.T) {
	h, repo, sender, e := newTestHandler()
	seed(t, repo, "patient-1", testNow.Add(-time.Minute))

	rec, err := post(e, h.Run, "")
	if err != nil {
		t.Fatal(err)
	}
	var sum Summary
	_ = json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Sent != 1 || sender.count() != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestHandler_ListRejectsBadStatus(t *testing.T) {
	h, _, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/reminders?status=lost", nil)
	err := h.List(e.NewContext(req, httptest.NewRecorder()))
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

type brokenRepo struct {
	*memRepo
}

func (brokenRepo) Create(context.Context, *Reminder) error {
	return errors.New("conn refused: 10.0.0.5:5432")
}

func TestHandler_Create_StoreFailureIsInternal(t *testing.T) {
	repo := brokenRepo{newMemRepo()}
	svc := NewService(repo, notification.NewTemplateEngine())
	h := NewHandler(svc, newTestDispatcher(repo, &fakeSender{}, 10))
	e := echo.New()
	e.Validator = middleware.NewValidator()

	_, err := post(e, h.Create, `{"user_id":"patient-1","role":"patient","template_id":"appointment-reminder","send_at":"2026-10-15T08:00:00Z"}`)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*echo.HTTPError); ok {
		t.Errorf("store failures must reach the error handler as internal errors, got %v", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("store failure must not be reported as invalid input")
	}
}
