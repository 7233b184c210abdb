package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aldav99/analystTelegram/pkg/analyzer"
	"github.com/aldav99/analystTelegram/pkg/config"
	"github.com/aldav99/analystTelegram/pkg/storage"
	"github.com/aldav99/analystTelegram/pkg/telegram"
)

const serviceVersion = "1.0.0"

const analyzeTimeout = 2 * time.Minute

// AnalyzerService runs one channel analysis.
type AnalyzerService interface {
	AnalyzeChannel(ctx context.Context, req analyzer.Request) (*analyzer.Report, error)
}

// HistoryStore lists recorded analysis runs.
type HistoryStore interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.AnalysisRun, error)
}

// APIServer holds the Gin engine and references to the analysis service and
// Telegram client.
type APIServer struct {
	router   *gin.Engine
	service  AnalyzerService
	tgClient *telegram.Client
	history  HistoryStore
	analysis config.AnalysisConfig
	logger   *zap.Logger
}

// NewAPIServer creates a new API server instance. tgClient and history may
// be nil; the corresponding endpoints then report unavailability.
func NewAPIServer(service AnalyzerService, tgClient *telegram.Client, history HistoryStore, analysis config.AnalysisConfig, logger *zap.Logger) *APIServer {
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	server := &APIServer{
		router:   router,
		service:  service,
		tgClient: tgClient,
		history:  history,
		analysis: analysis,
		logger:   logger,
	}
	server.setupRoutes()
	return server
}

func (s *APIServer) setupRoutes() {
	s.router.POST("/analyze", s.handleAnalyze)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/history", s.handleHistory)

	tg := s.router.Group("/telegram")
	{
		// Endpoint to submit Telegram authentication code
		tg.POST("/auth/code", s.handleAuthCode)
	}
}

type analyzeRequest struct {
	ChannelUsername string `json:"channel_username" binding:"required"`
	LimitMessages   *int   `json:"limit_messages"`
	DaysBack        *int   `json:"days_back"`
	IncludeComments *bool  `json:"include_comments"`
}

type commentInfo struct {
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

type postInfo struct {
	Date          string        `json:"date"`
	Type          string        `json:"type"`
	Views         int           `json:"views"`
	Reactions     int           `json:"reactions"`
	Forwards      int           `json:"forwards"`
	CommentsCount int           `json:"comments_count"`
	Content       string        `json:"content"`
	URL           string        `json:"url"`
	Comments      []commentInfo `json:"comments"`
}

type analyzeResponse struct {
	Success               bool                `json:"success"`
	ChannelTitle          string              `json:"channel_title"`
	ChannelUsername       string              `json:"channel_username"`
	ChannelID             int64               `json:"channel_id"`
	SubscribersCount      int                 `json:"subscribers_count"`
	AnalysisPeriod        string              `json:"analysis_period"`
	TotalMessagesAnalyzed int                 `json:"total_messages_analyzed"`
	Posts                 map[string]postInfo `json:"posts"`
	AnalysisTimestamp     string              `json:"analysis_timestamp"`
	Partial               bool                `json:"partial,omitempty"`
	RetryAfterSeconds     int                 `json:"retry_after_seconds,omitempty"`
}

func (s *APIServer) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("Failed to bind JSON for analyze request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	username, err := normalizeChannelUsername(req.ChannelUsername)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := s.analysis.LimitMessages
	if req.LimitMessages != nil {
		limit = *req.LimitMessages
	}
	if limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit_messages must be between 1 and 1000"})
		return
	}

	daysBack := s.analysis.DaysBack
	if req.DaysBack != nil {
		daysBack = *req.DaysBack
	}
	if daysBack < 1 || daysBack > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days_back must be between 1 and 365"})
		return
	}

	includeComments := true
	if req.IncludeComments != nil {
		includeComments = *req.IncludeComments
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), analyzeTimeout)
	defer cancel()

	report, err := s.service.AnalyzeChannel(ctx, analyzer.Request{
		Channel:         username,
		LimitMessages:   limit,
		DaysBack:        daysBack,
		IncludeComments: includeComments,
	})
	if err != nil {
		s.respondAnalyzeError(c, username, err)
		return
	}

	c.JSON(http.StatusOK, buildAnalyzeResponse(report))
}

func (s *APIServer) respondAnalyzeError(c *gin.Context, username string, err error) {
	if rl, ok := analyzer.AsRateLimited(err); ok {
		s.logger.Warn("Analysis rate limited", zap.String("channel", username),
			zap.Duration("retry_after", rl.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "rate limited by Telegram, retry later",
			"retry_after_seconds": retryAfterSeconds(rl.RetryAfter),
		})
		return
	}

	switch {
	case errors.Is(err, analyzer.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("channel %q not found", username)})
	case errors.Is(err, analyzer.ErrNotChannel):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%q is not a channel", username)})
	case errors.Is(err, analyzer.ErrChannelPrivate):
		c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("channel %q is private or inaccessible", username)})
	default:
		s.logger.Error("Analysis failed", zap.String("channel", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
	}
}

func buildAnalyzeResponse(report *analyzer.Report) analyzeResponse {
	posts := make(map[string]postInfo, len(report.Posts))
	for _, p := range report.Posts {
		comments := make([]commentInfo, 0, len(p.Comments))
		for _, cm := range p.Comments {
			comments = append(comments, commentInfo{
				Author:    cm.Author,
				Timestamp: cm.Timestamp,
				Text:      cm.Text,
			})
		}
		posts[strconv.FormatInt(p.ID, 10)] = postInfo{
			Date:          p.Date.Format("2006-01-02 15:04:05"),
			Type:          p.Kind,
			Views:         p.Views,
			Reactions:     p.Reactions,
			Forwards:      p.Forwards,
			CommentsCount: p.CommentsCount,
			Content:       p.Text,
			URL:           p.Permalink,
			Comments:      comments,
		}
	}

	return analyzeResponse{
		Success:               true,
		ChannelTitle:          report.ChannelTitle,
		ChannelUsername:       report.ChannelUsername,
		ChannelID:             report.ChannelID,
		SubscribersCount:      report.Subscribers,
		AnalysisPeriod:        fmt.Sprintf("%d days", report.DaysBack),
		TotalMessagesAnalyzed: len(report.Posts),
		Posts:                 posts,
		AnalysisTimestamp:     report.GeneratedAt.Format(time.RFC3339),
		Partial:               report.Partial,
		RetryAfterSeconds:     retryAfterSecondsIfPartial(report),
	}
}

func retryAfterSecondsIfPartial(report *analyzer.Report) int {
	if !report.Partial {
		return 0
	}
	return retryAfterSeconds(report.RetryAfter)
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// normalizeChannelUsername strips a leading @ and validates the identifier.
func normalizeChannelUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return "", errors.New("channel_username must not be empty")
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return "", fmt.Errorf("channel_username contains invalid character %q", r)
		}
	}
	return username, nil
}

func (s *APIServer) handleHealth(c *gin.Context) {
	clientStatus := "disconnected"

	if s.tgClient != nil && s.tgClient.Ready() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if _, err := s.tgClient.Self(ctx); err != nil {
			s.logger.Error("Telegram client health check failed", zap.Error(err))
			clientStatus = "error"
		} else {
			clientStatus = "connected"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if clientStatus != "connected" {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":                 status,
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
		"telegram_client_status": clientStatus,
		"version":                serviceVersion,
	})
}

func (s *APIServer) handleStatus(c *gin.Context) {
	clientInfo := gin.H{"connected": false, "reason": "client not initialized"}

	if s.tgClient != nil && s.tgClient.Ready() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if me, err := s.tgClient.Self(ctx); err != nil {
			clientInfo = gin.H{"connected": false, "error": err.Error()}
		} else {
			clientInfo = gin.H{
				"connected":  true,
				"user_id":    me.ID,
				"username":   me.Username,
				"first_name": me.FirstName,
				"phone":      me.Phone,
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"service":         "Telegram Channel Analyzer",
		"version":         serviceVersion,
		"status":          "running",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"telegram_client": clientInfo,
		"settings": gin.H{
			"default_limit_messages": s.analysis.LimitMessages,
			"default_days_back":      s.analysis.DaysBack,
			"max_comments_per_post":  s.analysis.MaxCommentsPerPost,
			"comments_count_policy":  s.analysis.CommentsCountPolicy,
		},
	})
}

func (s *APIServer) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store is not enabled"})
		return
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 100"})
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	runs, err := s.history.RecentRuns(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to load analysis history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

type authCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *APIServer) handleAuthCode(c *gin.Context) {
	if s.tgClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Telegram client is not enabled"})
		return
	}

	var req authCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("Failed to bind JSON for auth code", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	select {
	case s.tgClient.AuthCode <- req.Code:
		c.JSON(http.StatusOK, gin.H{"message": "Authentication code received."})
	case <-c.Request.Context().Done():
		s.logger.Warn("Auth code request timed out or cancelled.")
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "Request timed out or cancelled."})
	case <-time.After(5 * time.Second): // Timeout for sending code to channel
		s.logger.Error("Telegram client not ready to receive code.")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Telegram client not ready to receive code."})
	}
}

// Start runs the API server on the specified port.
func (s *APIServer) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	s.logger.Info("API server starting", zap.String("address", addr))
	return s.router.Run(addr)
}

// Handler exposes the underlying router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}
