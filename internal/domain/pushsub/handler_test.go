package pushsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/internal/platform/middleware"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	repo := newMockRepo()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return NewHandler(NewService(repo)), repo, e
}

func asUser(req *http.Request, userID, role string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), userID, role))
}

func TestHandler_Create(t *testing.T) {
	h, repo, e := newTestHandler()

	body := `{"token":"fcm-token-123","platform":"android"}`
	req := httptest.NewRequest(http.MethodPost, "/push-subscriptions", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asUser(req, "patient-1", "patient")
	rec := httptest.NewRecorder()

	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var sub Subscription
	_ = json.Unmarshal(rec.Body.Bytes(), &sub)
	if sub.UserID != "patient-1" || sub.Role != "patient" || sub.Platform != PlatformAndroid {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if len(repo.subs) != 1 {
		t.Errorf("expected 1 stored subscription, got %d", len(repo.subs))
	}
}

func TestHandler_Create_Invalid(t *testing.T) {
	h, _, e := newTestHandler()

	for _, body := range []string{
		`{"platform":"web"}`,
		`{"token":"fcm-token-123","platform":"pager"}`,
		`{"token":"short","platform":"web"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/push-subscriptions", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = asUser(req, "patient-1", "patient")

		err := h.Create(e.NewContext(req, httptest.NewRecorder()))
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", body, err)
		}
	}
}

func TestHandler_ListOwn(t *testing.T) {
	h, repo, e := newTestHandler()
	ctx := context.Background()
	_ = repo.Upsert(ctx, &Subscription{UserID: "patient-1", Token: "token-a", Platform: PlatformWeb})
	_ = repo.Upsert(ctx, &Subscription{UserID: "patient-2", Token: "token-b", Platform: PlatformWeb})

	req := asUser(httptest.NewRequest(http.MethodGet, "/push-subscriptions", nil), "patient-1", "patient")
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var subs []Subscription
	_ = json.Unmarshal(rec.Body.Bytes(), &subs)
	if len(subs) != 1 || subs[0].Token != "token-a" {
		t.Errorf("unexpected list %+v", subs)
	}
}

func TestHandler_Delete(t *testing.T) {
	h, repo, e := newTestHandler()
	sub := &Subscription{UserID: "patient-1", Token: "token-a", Platform: PlatformWeb}
	_ = repo.Upsert(context.Background(), sub)

	del := func(userID, id string) (*httptest.ResponseRecorder, error) {
		req := asUser(httptest.NewRequest(http.MethodDelete, "/", nil), userID, "patient")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return rec, h.Delete(c)
	}

	if _, err := del("patient-1", "not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}
	_, err := del("patient-2", sub.ID.String())
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for other user, got %v", err)
	}
	rec, err := del("patient-1", sub.ID.String())
	if err != nil || rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d (%v)", rec.Code, err)
	}
}
