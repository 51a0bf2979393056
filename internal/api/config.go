package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"txindexer/internal/config"
)

const masked = "******"

// maskSecret 非空密钥替换为掩码
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return masked
}

// maskDSN 隐藏连接串中的密码
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return maskSecret(dsn)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	return u.String()
}

// redactedConfig 复制配置并隐藏密钥
func redactedConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if cfg.Chain != nil {
		chain := *cfg.Chain
		chain.APIKey = maskSecret(chain.APIKey)
		out.Chain = &chain
	}
	if cfg.Price != nil {
		p := *cfg.Price
		p.PrimaryAPIKey = maskSecret(p.PrimaryAPIKey)
		p.FallbackAPIKey = maskSecret(p.FallbackAPIKey)
		out.Price = &p
	}
	if cfg.Output != nil && cfg.Output.Postgres != nil {
		o := *cfg.Output
		pg := *cfg.Output.Postgres
		pg.DSN = maskDSN(pg.DSN)
		o.Postgres = &pg
		out.Output = &o
	}
	return &out
}

// getConfig 获取当前生效配置（密钥已隐藏）
func (s *Server) getConfig(c *gin.Context) {
	if s.config == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "配置未初始化"})
		return
	}
	c.JSON(http.StatusOK, redactedConfig(s.config))
}
