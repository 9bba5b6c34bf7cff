package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"strategy-engine/internal/lifecycle"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

// strategyView is one row of GET /api/strategies.
type strategyView struct {
	Name      string         `json:"name"`
	Symbol    string         `json:"symbol"`
	Mode      strategy.Mode  `json:"mode"`
	Interval  string         `json:"interval"`
	Exchange  string         `json:"exchange"`
	FilePath  string         `json:"file_path"`
	Running   bool           `json:"running"`
	TaskID    string         `json:"task_id,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Params    map[string]any `json:"parameters,omitempty"`
}

func keyFromPath(c *gin.Context) strategy.Key {
	return strategy.Key{Name: c.Param("name"), Symbol: c.Param("symbol")}
}

func (s *Server) listStrategies(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := s.Store.Strategies(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "error": err.Error()})
		return
	}

	taskIDs := make(map[strategy.Key]string)
	for _, st := range s.Manager.Status() {
		if st.Running {
			taskIDs[st.Key] = st.TaskID
		}
	}

	out := make([]strategyView, 0, len(records))
	for _, r := range records {
		key := r.Key()
		out = append(out, strategyView{
			Name:      r.Name,
			Symbol:    r.Symbol,
			Mode:      r.Mode,
			Interval:  r.Interval,
			Exchange:  r.Exchange,
			FilePath:  r.FilePath,
			Running:   s.Manager.Running(key),
			TaskID:    taskIDs[key],
			LastError: s.Manager.LastError(key),
			Params:    r.Parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) setMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	mode, err := strategy.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_MODE", "error": err.Error()})
		return
	}

	key := keyFromPath(c)
	ctx := c.Request.Context()
	if err := s.Store.SetMode(ctx, key, mode); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "error": err.Error()})
		return
	}
	if err := s.Manager.Transition(ctx, key, mode); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "TRANSITION_FAILED", "error": err.Error()})
		return
	}

	s.logger.Info().Str("strategy", key.Name).Str("symbol", key.Symbol).
		Str("mode", string(mode)).Str("operator", CurrentOperator(c)).Msg("mode changed via API")
	c.JSON(http.StatusOK, gin.H{
		"strategy": key.Name,
		"symbol":   key.Symbol,
		"mode":     mode,
		"running":  s.Manager.Running(key),
	})
}

// getSummary serves summary.json from the namespace of the stored mode,
// or from ?namespace=live|simulations when given.
func (s *Server) getSummary(c *gin.Context) {
	key := keyFromPath(c)
	namespace := c.Query("namespace")
	if namespace == "" {
		cfg, err := s.Store.Strategy(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "error": err.Error()})
			return
		}
		namespace = cfg.Mode.Namespace()
		if namespace == "" {
			namespace = strategy.ModePaper.Namespace()
		}
	}
	if namespace != strategy.ModeLive.Namespace() && namespace != strategy.ModePaper.Namespace() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_NAMESPACE", "error": "namespace must be live or simulations"})
		return
	}

	summary, err := s.Journal.LoadSummary(namespace, key.Name, key.Symbol)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NO_SUMMARY", "error": "no summary recorded yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "JOURNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":   key.Name,
		"symbol":     key.Symbol,
		"namespace":  namespace,
		"summary":    summary,
		"last_error": s.Manager.LastError(key),
	})
}

func (s *Server) resetStrategy(c *gin.Context) {
	key := keyFromPath(c)
	if err := s.Manager.Reset(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "RESET_FAILED", "error": err.Error()})
		return
	}
	s.logger.Info().Str("strategy", key.Name).Str("symbol", key.Symbol).
		Str("operator", CurrentOperator(c)).Msg("strategy reset via API")
	c.JSON(http.StatusOK, gin.H{"strategy": key.Name, "symbol": key.Symbol, "reset": true})
}

// changeSymbol moves a record to another symbol. The old key's data is reset
// and the record comes back Disabled.
func (s *Server) changeSymbol(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	key := keyFromPath(c)
	next, err := s.Manager.ChangeSymbol(c.Request.Context(), key, req.Symbol)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrInvalidSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SYMBOL", "error": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
		return
	case errors.Is(err, store.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"code": "SYMBOL_TAKEN", "error": err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CHANGE_SYMBOL_FAILED", "error": err.Error()})
		return
	}

	s.logger.Info().Str("strategy", key.Name).Str("from", key.Symbol).Str("to", next.Symbol).
		Str("operator", CurrentOperator(c)).Msg("symbol changed via API")
	c.JSON(http.StatusOK, gin.H{"strategy": next.Name, "symbol": next.Symbol, "mode": strategy.ModeDisabled})
}
