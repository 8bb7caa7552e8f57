package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/tasks"
	"mediapipeline-go/pkg/token"
)

// stubSessionService 返回预置的会话与错误，用于验证协议层的错误码映射。
type stubSessionService struct {
	session   *model.UploadSession
	appendErr error
}

func (s *stubSessionService) Create(_ context.Context, ownerID uint, fileName string, totalSize int64, _ map[string]string) (*model.UploadSession, error) {
	return &model.UploadSession{
		ID: "sess-1", OwnerID: ownerID, FileName: fileName,
		TotalSize: totalSize, Status: model.StatusCreated, StorageTier: model.TierNone,
	}, nil
}

func (s *stubSessionService) AppendChunk(_ context.Context, _ string, _ int64, reader io.Reader, _ int64) (*model.UploadSession, error) {
	_, _ = io.Copy(io.Discard, reader)
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	return s.session, nil
}

func (s *stubSessionService) Status(context.Context, string) (*model.UploadSession, error) {
	if s.session == nil {
		return nil, repository.ErrNotFound
	}
	return s.session, nil
}

func (s *stubSessionService) ListByOwner(context.Context, uint) ([]model.UploadSession, error) {
	return nil, nil
}

func (s *stubSessionService) Process(context.Context, tasks.ModerationVerdict) error {
	return nil
}

// newSessionRouter 构建一个注入了固定调用方身份的测试路由。
func newSessionRouter(svc *stubSessionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("claims", &token.CustomClaims{UserID: 1, Username: "alice", Role: "user"})
	})
	h := NewSessionHandler(svc)
	r.POST("/sessions", h.Create)
	r.PATCH("/sessions/:id", h.Append)
	r.GET("/sessions/:id", h.Status)
	return r
}

func doAppend(r *gin.Engine, offset string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/sessions/sess-1", bytes.NewReader(body))
	if offset != "" {
		req.Header.Set("Upload-Offset", offset)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateSessionEndpoint(t *testing.T) {
	r := newSessionRouter(&stubSessionService{})

	body, _ := json.Marshal(gin.H{"fileName": "movie.mp4", "totalSize": 3000000})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	// totalSize 缺失
	body, _ = json.Marshal(gin.H{"fileName": "movie.mp4"})
	req = httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAppendEndpointSuccess(t *testing.T) {
	svc := &stubSessionService{session: &model.UploadSession{
		ID: "sess-1", Offset: 1000, TotalSize: 3000, Status: model.StatusUploading,
	}}
	r := newSessionRouter(svc)

	w := doAppend(r, "0", make([]byte, 1000))
	assert.Equal(t, http.StatusOK, w.Code)
	// 响应头携带权威偏移
	assert.Equal(t, "1000", w.Header().Get("Upload-Offset"))
}

func TestAppendEndpointValidation(t *testing.T) {
	r := newSessionRouter(&stubSessionService{})

	// Upload-Offset 缺失
	w := doAppend(r, "", make([]byte, 100))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 空请求体
	w = doAppend(r, "0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAppendEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("offset 不符: %w", repository.ErrConflict), http.StatusConflict},
		{fmt.Errorf("状态不接受分片: %w", repository.ErrInvalidTransition), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		svc := &stubSessionService{
			appendErr: tc.err,
			session:   &model.UploadSession{ID: "sess-1", Offset: 2000, TotalSize: 3000},
		}
		r := newSessionRouter(svc)
		w := doAppend(r, "0", make([]byte, 100))
		assert.Equal(t, tc.code, w.Code, "错误 %v 的状态码映射", tc.err)
	}
}

// 冲突响应附带权威偏移，客户端据此续传。
func TestAppendConflictCarriesCurrentOffset(t *testing.T) {
	svc := &stubSessionService{
		appendErr: fmt.Errorf("offset 不符: %w", repository.ErrConflict),
		session:   &model.UploadSession{ID: "sess-1", Offset: 2000, TotalSize: 3000},
	}
	r := newSessionRouter(svc)

	w := doAppend(r, "0", make([]byte, 100))
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2000), resp["currentOffset"])
}

func TestStatusEndpoint(t *testing.T) {
	svc := &stubSessionService{session: &model.UploadSession{
		ID: "sess-1", Offset: 1500, TotalSize: 3000, Status: model.StatusUploading,
	}}
	r := newSessionRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1500", w.Header().Get("Upload-Offset"))

	// 不存在的会话
	r = newSessionRouter(&stubSessionService{})
	req = httptest.NewRequest(http.MethodGet, "/sessions/none", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
