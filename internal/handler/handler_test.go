package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eventcert/certclaim/internal/assets"
	"github.com/eventcert/certclaim/internal/certimage"
	"github.com/eventcert/certclaim/internal/model"
	"github.com/eventcert/certclaim/internal/repository/memory"
	"github.com/eventcert/certclaim/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, userID, role, name string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, authClaims{
		Role: role,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// newTestRouter wires the real service over in-memory stores, a real local
// asset store, and the real compositor, mirroring the production router. The
// asset store is returned so tests can inspect what is actually on disk.
func newTestRouter(t *testing.T) (http.Handler, *assets.LocalStore) {
	t.Helper()

	store, err := assets.NewLocalStore(t.TempDir(), "/uploads")
	require.NoError(t, err)

	svc := service.New(
		memory.NewEventStore(),
		memory.NewRegistrationStore(),
		memory.NewCertificateStore(),
		&memory.SequenceStore{},
		store,
		certimage.Renderer{},
		zap.NewNop(),
		service.Options{},
	)
	h := NewEventHandler(svc, store)

	r := chi.NewRouter()
	authenticated := Authenticate(testSecret)
	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Group(func(r chi.Router) {
			r.Use(authenticated, RequireRole(RoleOrganizer))
			r.Post("/", h.CreateEvent)
			r.Post("/{id}/end", h.EndEvent)
			r.Get("/{id}/registrations", h.ListRegistrations)
			r.Get("/{id}/certificates", h.ListCertificates)
			r.Get("/{id}/stats", h.Stats)
		})
		r.Group(func(r chi.Router) {
			r.Use(authenticated, RequireRole(RoleStudent))
			r.Post("/{id}/register", h.Register)
			r.Post("/{id}/claim", h.Claim)
		})
	})
	return r, store
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func templatePNG(t *testing.T) []byte {
	return coloredTemplatePNG(t, color.RGBA{R: 250, G: 248, B: 240, A: 255})
}

func coloredTemplatePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func endEventRequest(t *testing.T, eventID, token string, template []byte) *http.Request {
	return endEventRequestWithFields(t, eventID, token, template, map[string]string{
		"nameX": "400", "nameY": "300", "codeX": "400", "codeY": "400", "nameFontSize": "40",
	})
}

func endEventRequestWithFields(t *testing.T, eventID, token string, template []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("certificateTemplate", "template.png")
	require.NoError(t, err)
	_, err = part.Write(template)
	require.NoError(t, err)
	for field, value := range fields {
		require.NoError(t, w.WriteField(field, value))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/events/"+eventID+"/end", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestClaimRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/events/abc/claim", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClaimRejectsWrongRole(t *testing.T) {
	router, _ := newTestRouter(t)
	organizer := mintToken(t, "org-1", RoleOrganizer, "Organizer")
	rec := doJSON(t, router, http.MethodPost, "/events/abc/claim", organizer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/events/abc/claim", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// Full flow over HTTP: create, register, end with a real template upload,
// claim twice (idempotent), then read certificates and stats.
func TestEventCertificateFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	organizer := mintToken(t, "org-1", RoleOrganizer, "Organizer")
	student := mintToken(t, "stu-1", RoleStudent, "Ada Lovelace")

	rec := doJSON(t, router, http.MethodPost, "/events", organizer, model.CreateEventRequest{Title: "GopherCon"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	rec = doJSON(t, router, http.MethodPost, "/events/"+event.ID+"/register", student, model.RegisterRequest{Email: "ada@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Claiming before the event ends is rejected.
	rec = doJSON(t, router, http.MethodPost, "/events/"+event.ID+"/claim", student, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	endRec := httptest.NewRecorder()
	router.ServeHTTP(endRec, endEventRequest(t, event.ID, organizer, templatePNG(t)))
	require.Equal(t, http.StatusOK, endRec.Code)

	// A second end attempt must not reset the window.
	endAgain := httptest.NewRecorder()
	router.ServeHTTP(endAgain, endEventRequest(t, event.ID, organizer, templatePNG(t)))
	require.Equal(t, http.StatusConflict, endAgain.Code)

	rec = doJSON(t, router, http.MethodPost, "/events/"+event.ID+"/claim", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var claim model.ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	require.Equal(t, "000001", claim.CertCode)
	require.True(t, strings.HasPrefix(claim.CertificateURL, "/uploads/"))

	// Idempotent repeat claim.
	rec = doJSON(t, router, http.MethodPost, "/events/"+event.ID+"/claim", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var repeat model.ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repeat))
	require.Equal(t, claim, repeat)

	rec = doJSON(t, router, http.MethodGet, "/events/"+event.ID+"/certificates", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var certs []model.Certificate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &certs))
	require.Len(t, certs, 1)
	require.Equal(t, "000001", certs[0].CertCode)

	rec = doJSON(t, router, http.MethodGet, "/events/"+event.ID+"/stats", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.EventStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Registered)
	require.Equal(t, 1, stats.Claimed)
}

func TestClaimUnregisteredStudent(t *testing.T) {
	router, _ := newTestRouter(t)
	organizer := mintToken(t, "org-1", RoleOrganizer, "Organizer")
	stranger := mintToken(t, "stu-9", RoleStudent, "Stranger")

	rec := doJSON(t, router, http.MethodPost, "/events", organizer, model.CreateEventRequest{Title: "Summit"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	endRec := httptest.NewRecorder()
	router.ServeHTTP(endRec, endEventRequest(t, event.ID, organizer, templatePNG(t)))
	require.Equal(t, http.StatusOK, endRec.Code)

	rec = doJSON(t, router, http.MethodPost, "/events/"+event.ID+"/claim", stranger, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndEventRejectsUnreadableTemplate(t *testing.T) {
	router, _ := newTestRouter(t)
	organizer := mintToken(t, "org-1", RoleOrganizer, "Organizer")

	rec := doJSON(t, router, http.MethodPost, "/events", organizer, model.CreateEventRequest{Title: "Expo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	endRec := httptest.NewRecorder()
	router.ServeHTTP(endRec, endEventRequest(t, event.ID, organizer, []byte("not an image")))
	require.Equal(t, http.StatusBadRequest, endRec.Code)
}

func TestEndEventForbiddenForNonOwner(t *testing.T) {
	router, _ := newTestRouter(t)
	owner := mintToken(t, "org-1", RoleOrganizer, "Owner")
	other := mintToken(t, "org-2", RoleOrganizer, "Other")

	rec := doJSON(t, router, http.MethodPost, "/events", owner, model.CreateEventRequest{Title: "Meetup"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	endRec := httptest.NewRecorder()
	router.ServeHTTP(endRec, endEventRequest(t, event.ID, other, templatePNG(t)))
	require.Equal(t, http.StatusForbidden, endRec.Code)
}

// A rejected end attempt must leave no trace: neither a non-owner's 403 nor a
// repeat 409 may touch the template that open-window claims compose onto.
func TestRejectedEndCannotReplaceStoredTemplate(t *testing.T) {
	router, store := newTestRouter(t)
	owner := mintToken(t, "org-1", RoleOrganizer, "Owner")
	other := mintToken(t, "org-2", RoleOrganizer, "Other")

	rec := doJSON(t, router, http.MethodPost, "/events", owner, model.CreateEventRequest{Title: "Conference"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	white := coloredTemplatePNG(t, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	black := coloredTemplatePNG(t, color.RGBA{A: 255})

	endRec := httptest.NewRecorder()
	router.ServeHTTP(endRec, endEventRequest(t, event.ID, owner, white))
	require.Equal(t, http.StatusOK, endRec.Code)

	rec = doJSON(t, router, http.MethodGet, "/events/"+event.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ended model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ended))
	require.NotNil(t, ended.CertificateConfig)
	templatePath := ended.CertificateConfig.TemplatePath

	before, err := store.ReadTemplate(templatePath)
	require.NoError(t, err)

	forbidden := httptest.NewRecorder()
	router.ServeHTTP(forbidden, endEventRequest(t, event.ID, other, black))
	require.Equal(t, http.StatusForbidden, forbidden.Code)

	conflict := httptest.NewRecorder()
	router.ServeHTTP(conflict, endEventRequest(t, event.ID, owner, black))
	require.Equal(t, http.StatusConflict, conflict.Code)

	after, err := store.ReadTemplate(templatePath)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// Layouts that cannot ever compose are caught at end time: the transition is
// one-way, so letting them through would break every claim in the window.
func TestEndEventRejectsOutOfCanvasLayout(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"coordinate beyond canvas", map[string]string{
			"nameX": "400", "nameY": "300", "codeX": "400", "codeY": "9999", "nameFontSize": "40",
		}},
		{"font size beyond canvas", map[string]string{
			"nameX": "400", "nameY": "300", "codeX": "400", "codeY": "400", "nameFontSize": "1000",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			organizer := mintToken(t, "org-1", RoleOrganizer, "Organizer")

			rec := doJSON(t, router, http.MethodPost, "/events", organizer, model.CreateEventRequest{Title: "Workshop"})
			require.Equal(t, http.StatusCreated, rec.Code)
			var event model.Event
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

			endRec := httptest.NewRecorder()
			router.ServeHTTP(endRec, endEventRequestWithFields(t, event.ID, organizer, templatePNG(t), tt.fields))
			require.Equal(t, http.StatusBadRequest, endRec.Code)

			// The event is still active and endable with a sane layout.
			okRec := httptest.NewRecorder()
			router.ServeHTTP(okRec, endEventRequest(t, event.ID, organizer, templatePNG(t)))
			require.Equal(t, http.StatusOK, okRec.Code)
		})
	}
}
