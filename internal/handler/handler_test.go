package handler

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/service-marketplace/internal/config"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/queue"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
	"github.com/iliyamo/service-marketplace/internal/storage"
	"github.com/iliyamo/service-marketplace/internal/utils"
)

const testSecret = "handler-secret"

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func newMarket(db *sql.DB, up service.Uploader) *service.Marketplace {
	return service.NewMarketplace(service.Deps{
		DB:          db,
		Providers:   repository.NewProviderRepo(db),
		Bookings:    repository.NewBookingRepo(db),
		Commissions: repository.NewCommissionRepo(db),
		Uploads:     up,
	})
}

// asUser runs h with user_id and role set the way JWTAuth would.
func asUser(h echo.HandlerFunc, uid uint64, role string) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(middleware.CtxUserID, uid)
		c.Set(middleware.CtxRole, role)
		return h(c)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", repository.ErrForbidden), http.StatusForbidden},
		{repository.ErrEmailExists, http.StatusConflict},
		{service.ErrInvalidTransition, http.StatusConflict},
		{service.ErrProviderUnavailable, http.StatusConflict},
		{fmt.Errorf("%w: bad", service.ErrInvalidInput), http.StatusBadRequest},
		{storage.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{storage.ErrUnsupportedType, http.StatusUnsupportedMediaType},
		{service.ErrStorageDisabled, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusFor(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
	_, msg := statusFor(errors.New("dsn user:secret@tcp"))
	assert.Equal(t, "internal error", msg)
}

func authCfg() config.Config {
	return config.Config{JWTSecret: testSecret, AccessTTLMin: 5, RefreshTTLDays: 1, BcryptCost: 4}
}

func TestRegisterDowngradesAdminRole(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("eve@example.com", "Eve", sqlmock.AnyArg(), model.RoleCustomer).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WithArgs(uint64(5), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	h := NewAuthHandler(authCfg(), repository.NewUserRepo(db), repository.NewTokenRepo(db), nil)
	body := `{"email":" Eve@Example.com ","password":"long-enough","full_name":"Eve","role":"ADMIN"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/register", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Register(echo.New().NewContext(req, rec)))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp authResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.RoleCustomer, resp.User.Role)
	assert.Equal(t, uint64(5), resp.User.ID)

	claims, err := utils.ParseAccessToken(testSecret, resp.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleCustomer, claims.Role)
	assert.Len(t, resp.Refresh.Token, 96)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	db, _ := newMock(t)
	h := NewAuthHandler(authCfg(), repository.NewUserRepo(db), repository.NewTokenRepo(db), nil)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.c","password":"short"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Register(echo.New().NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	db, mock := newMock(t)
	hash, err := utils.HashPassword("right-password", 4)
	require.NoError(t, err)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email=?")).
		WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "password_hash", "role", "is_active", "created_at", "updated_at"}).
			AddRow(uint64(1), "ann@example.com", "Ann", hash, model.RoleCustomer, true, now, now))

	h := NewAuthHandler(authCfg(), repository.NewUserRepo(db), repository.NewTokenRepo(db), nil)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"ann@example.com","password":"wrong-password"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Login(echo.New().NewContext(req, rec)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetContentHidesUnpublished(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM content_sections WHERE section_key = ?")).
		WithArgs("draft").
		WillReturnRows(sqlmock.NewRows([]string{"section_key", "title", "body", "position", "published", "updated_by", "updated_at"}).
			AddRow("draft", "Draft", "...", 9, false, nil, time.Now()))

	h := NewPublicHandler(repository.NewProviderRepo(db), repository.NewContentRepo(db), repository.NewStatsRepo(db), nil)
	e := echo.New()
	e.GET("/v1/content/:key", h.GetContent)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/content/draft", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func providerRow(uid uint64, active bool, photo any, suspended any) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"user_id", "business_name", "category", "description", "phone",
		"shop_photo_path", "verification_doc_path", "is_verified", "is_active",
		"completed_jobs", "cycle_jobs", "cycle_revenue_cents", "strikes", "suspended_until",
		"created_at", "updated_at"}).
		AddRow(uid, "Sparkle", "cleaning", "", "555", photo, nil, true, active,
			uint32(12), uint32(2), uint64(9000), uint32(1), suspended, now, now)
}

func TestGetProviderMarksSuspendedUnbookable(t *testing.T) {
	db, mock := newMock(t)
	until := time.Now().UTC().Add(48 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM provider_profiles WHERE user_id = ?")).
		WithArgs(uint64(3)).WillReturnRows(providerRow(3, true, "3/a.png", until))

	h := NewPublicHandler(repository.NewProviderRepo(db), repository.NewContentRepo(db), repository.NewStatsRepo(db), nil)
	h.PhotoURL = func(p string) string { return "https://cdn.example/" + p }
	e := echo.New()
	e.GET("/v1/providers/:id", h.GetProvider)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/3", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, false, got["bookable"])
	assert.Equal(t, "https://cdn.example/3/a.png", got["photo_url"])
	assert.NotContains(t, got, "cycle_revenue_cents")
}

func TestReviewRequiresApproveFlag(t *testing.T) {
	db, _ := newMock(t)
	h := NewAdminHandler(newMarket(db, nil), repository.NewCommissionRepo(db), repository.NewContentRepo(db), nil)
	e := echo.New()
	e.POST("/v1/admin/commissions/:id/review", asUser(h.Review, 1, model.RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/commissions/4/review", strings.NewReader(`{"note":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertContentRejectsBadKey(t *testing.T) {
	db, _ := newMock(t)
	h := NewAdminHandler(newMarket(db, nil), repository.NewCommissionRepo(db), repository.NewContentRepo(db), nil)
	e := echo.New()
	e.PUT("/v1/admin/content/:key", asUser(h.UpsertContent, 1, model.RoleAdmin))

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/content/Bad%20Key!", strings.NewReader(`{"title":"t"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeUploader struct {
	bucket, prefix string
	file           storage.File
	body           []byte
}

func (f *fakeUploader) Remove(context.Context, string, ...string) error { return nil }

func (f *fakeUploader) Put(_ context.Context, bucket, prefix string, file storage.File) (string, error) {
	f.bucket, f.prefix, f.file = bucket, prefix, file
	f.body, _ = io.ReadAll(file.Body)
	return prefix + "/photo.png", nil
}

func multipartBody(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestShopPhotoUpload(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM provider_profiles WHERE user_id = ?")).
		WithArgs(uint64(9)).WillReturnRows(providerRow(9, true, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE provider_profiles SET shop_photo_path = ?")).
		WithArgs("9/photo.png", uint64(9)).WillReturnResult(sqlmock.NewResult(0, 1))

	up := &fakeUploader{}
	h := NewProviderHandler(ProviderDeps{
		Market:      newMarket(db, up),
		Providers:   repository.NewProviderRepo(db),
		Bookings:    repository.NewBookingRepo(db),
		Commissions: repository.NewCommissionRepo(db),
		Uploads:     up,
		MaxUpload:   1 << 20,
	})
	e := echo.New()
	e.POST("/v1/provider/shop-photo", asUser(h.ShopPhoto, 9, model.RoleProvider))

	body, ct := multipartBody(t, "file", "Front.PNG", []byte("\x89PNG fake"))
	req := httptest.NewRequest(http.MethodPost, "/v1/provider/shop-photo", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, storage.BucketShopPhotos, up.bucket)
	assert.Equal(t, "9", up.prefix)
	assert.Equal(t, "image/png", up.file.ContentType)
	assert.Equal(t, []byte("\x89PNG fake"), up.body)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShopPhotoWithoutStorage(t *testing.T) {
	db, _ := newMock(t)
	h := NewProviderHandler(ProviderDeps{
		Market:      newMarket(db, nil),
		Providers:   repository.NewProviderRepo(db),
		Bookings:    repository.NewBookingRepo(db),
		Commissions: repository.NewCommissionRepo(db),
	})
	e := echo.New()
	e.POST("/p", asUser(h.ShopPhoto, 9, model.RoleProvider))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/p", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProofTooLargeIsRefusedBeforeLookup(t *testing.T) {
	db, mock := newMock(t)
	h := NewProviderHandler(ProviderDeps{
		Market:      newMarket(db, &fakeUploader{}),
		Providers:   repository.NewProviderRepo(db),
		Bookings:    repository.NewBookingRepo(db),
		Commissions: repository.NewCommissionRepo(db),
		MaxUpload:   4,
	})
	e := echo.New()
	e.POST("/v1/provider/commissions/:id/proof", asUser(h.SubmitProof, 9, model.RoleProvider))

	body, ct := multipartBody(t, "file", "proof.pdf", []byte("way more than four bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/provider/commissions/3/proof", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationStreamRelaysPush(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fanout := queue.NewRedisFanout(rdb)

	db, _ := newMock(t)
	h := NewNotificationHandler(repository.NewNotificationRepo(db), fanout, nil)
	e := echo.New()
	e.GET("/stream", h.Stream, middleware.JWTAuth(testSecret, middleware.WithQueryToken("access_token")))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	at, err := utils.NewAccessToken(testSecret, 7, model.RoleCustomer, 5)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?access_token="+at.Token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	r := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var ev, data string
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return ev, data
			case strings.HasPrefix(line, "event: "):
				ev = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	ev, _ := readEvent()
	require.Equal(t, "ready", ev)

	require.NoError(t, fanout.Broadcast(ctx, model.Notification{ID: 11, UserID: 7, Type: queue.RKBookingConfirmed, Title: "Booking confirmed"}))
	ev, data := readEvent()
	assert.Equal(t, "notification", ev)
	var n model.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, uint64(11), n.ID)
}

func TestNotificationStreamWithoutRedis(t *testing.T) {
	db, _ := newMock(t)
	h := NewNotificationHandler(repository.NewNotificationRepo(db), nil, nil)
	e := echo.New()
	e.GET("/stream", asUser(h.Stream, 7, model.RoleCustomer))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
