package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface はopenapi.yamlの各操作に対応するハンドラー
type ServerInterface interface {
	// ヘルスチェック
	// (GET /health)
	HealthCheck(c *gin.Context)
	// システム状態
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// このAPIの定義
	// (GET /api/openapi.yaml)
	GetOpenAPI(c *gin.Context)
	// カメラ一覧
	// (GET /api/cameras)
	GetCameras(c *gin.Context)
	// カメラの詳細と配信状態
	// (GET /api/cameras/{cameraIndex})
	GetCamera(c *gin.Context, cameraIndex int)
	// 映像配信のWebSocket
	// (GET /api/cameras/{cameraIndex}/ws)
	GetCameraWebSocket(c *gin.Context, cameraIndex int)
	// 配信中の映像をMPEG-TSで受け取る
	// (GET /api/cameras/{cameraIndex}/stream.ts)
	GetCameraTransportStream(c *gin.Context, cameraIndex int)
	// 再生音量
	// (GET /api/audio/volume)
	GetVolume(c *gin.Context)
	// 再生音量の設定
	// (PUT /api/audio/volume)
	SetVolume(c *gin.Context)
	// 音声の再生要求
	// (POST /api/audio/play)
	PlayAudio(c *gin.Context)
	// 再生の停止とキューの破棄
	// (POST /api/audio/stop)
	StopAudio(c *gin.Context)
}

// MiddlewareFunc は各操作の前に実行される
type MiddlewareFunc func(c *gin.Context)

// GinServerOptions はRegisterHandlersWithOptionsの設定
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// ServerInterfaceWrapper はパスパラメータを変換してからハンドラーを呼ぶ
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

func (siw *ServerInterfaceWrapper) runMiddlewares(c *gin.Context) bool {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return false
		}
	}
	return true
}

func (siw *ServerInterfaceWrapper) bindCameraIndex(c *gin.Context) (int, bool) {
	var cameraIndex int
	err := runtime.BindStyledParameterWithOptions("simple", "cameraIndex", c.Param("cameraIndex"), &cameraIndex, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
	})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("cameraIndexの形式が不正です: %w", err), http.StatusBadRequest)
		return 0, false
	}
	return cameraIndex, true
}

// HealthCheck operation middleware
func (siw *ServerInterfaceWrapper) HealthCheck(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.HealthCheck(c)
}

// GetStatus operation middleware
func (siw *ServerInterfaceWrapper) GetStatus(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetStatus(c)
}

// GetOpenAPI operation middleware
func (siw *ServerInterfaceWrapper) GetOpenAPI(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetOpenAPI(c)
}

// GetCameras operation middleware
func (siw *ServerInterfaceWrapper) GetCameras(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetCameras(c)
}

// GetCamera operation middleware
func (siw *ServerInterfaceWrapper) GetCamera(c *gin.Context) {
	cameraIndex, ok := siw.bindCameraIndex(c)
	if !ok || !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetCamera(c, cameraIndex)
}

// GetCameraWebSocket operation middleware
func (siw *ServerInterfaceWrapper) GetCameraWebSocket(c *gin.Context) {
	cameraIndex, ok := siw.bindCameraIndex(c)
	if !ok || !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetCameraWebSocket(c, cameraIndex)
}

// GetCameraTransportStream operation middleware
func (siw *ServerInterfaceWrapper) GetCameraTransportStream(c *gin.Context) {
	cameraIndex, ok := siw.bindCameraIndex(c)
	if !ok || !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetCameraTransportStream(c, cameraIndex)
}

// GetVolume operation middleware
func (siw *ServerInterfaceWrapper) GetVolume(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetVolume(c)
}

// SetVolume operation middleware
func (siw *ServerInterfaceWrapper) SetVolume(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.SetVolume(c)
}

// PlayAudio operation middleware
func (siw *ServerInterfaceWrapper) PlayAudio(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.PlayAudio(c)
}

// StopAudio operation middleware
func (siw *ServerInterfaceWrapper) StopAudio(c *gin.Context) {
	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.StopAudio(c)
}

// RegisterHandlers はすべての操作をルーターに登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions は設定付きで操作をルーターに登録する
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, gin.H{"msg": err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	router.GET(options.BaseURL+"/health", wrapper.HealthCheck)
	router.GET(options.BaseURL+"/api/status", wrapper.GetStatus)
	router.GET(options.BaseURL+"/api/openapi.yaml", wrapper.GetOpenAPI)
	router.GET(options.BaseURL+"/api/cameras", wrapper.GetCameras)
	router.GET(options.BaseURL+"/api/cameras/:cameraIndex", wrapper.GetCamera)
	router.GET(options.BaseURL+"/api/cameras/:cameraIndex/ws", wrapper.GetCameraWebSocket)
	router.GET(options.BaseURL+"/api/cameras/:cameraIndex/stream.ts", wrapper.GetCameraTransportStream)
	router.GET(options.BaseURL+"/api/audio/volume", wrapper.GetVolume)
	router.PUT(options.BaseURL+"/api/audio/volume", wrapper.SetVolume)
	router.POST(options.BaseURL+"/api/audio/play", wrapper.PlayAudio)
	router.POST(options.BaseURL+"/api/audio/stop", wrapper.StopAudio)
}

// Operations はRegisterHandlersが登録するメソッドとパスの組
// パスはOpenAPIの表記
var Operations = []struct {
	Method string
	Path   string
}{
	{http.MethodGet, "/health"},
	{http.MethodGet, "/api/status"},
	{http.MethodGet, "/api/openapi.yaml"},
	{http.MethodGet, "/api/cameras"},
	{http.MethodGet, "/api/cameras/{cameraIndex}"},
	{http.MethodGet, "/api/cameras/{cameraIndex}/ws"},
	{http.MethodGet, "/api/cameras/{cameraIndex}/stream.ts"},
	{http.MethodGet, "/api/audio/volume"},
	{http.MethodPut, "/api/audio/volume"},
	{http.MethodPost, "/api/audio/play"},
	{http.MethodPost, "/api/audio/stop"},
}
