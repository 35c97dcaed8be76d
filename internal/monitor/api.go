package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (m *Monitor) setupRoutes(r *gin.Engine) {
	r.POST("/api/v1/auth/login", m.handleLogin)
	r.GET("/api/v1/node/connect", m.ws.HandleNodeConnect)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(m.config.JWTSecret))
	{
		api.GET("/nodes", m.listNodes)
		api.GET("/nodes/:extended/neighbors", m.listNeighbors)
	}
}

func (m *Monitor) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user AdminUser
	if err := m.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !CheckPassword(req.Password, user.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := GenerateToken(&user, m.config.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (m *Monitor) listNodes(c *gin.Context) {
	var nodes []ObservedNode
	m.db.Find(&nodes)

	online := m.ws.OnlineNodes()
	result := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		var count int64
		m.db.Model(&NeighborObservation{}).Where("node_extended = ?", n.Extended).Count(&count)
		result = append(result, NodeView{
			Extended:      n.Extended,
			Short:         n.Short,
			Platform:      n.Platform,
			Online:        online[n.Extended],
			NeighborCount: int(count),
			LastSeenUnix:  n.LastSeen.Unix(),
		})
	}
	c.JSON(http.StatusOK, result)
}

func (m *Monitor) listNeighbors(c *gin.Context) {
	extended := c.Param("extended")
	var rows []NeighborObservation
	m.db.Where("node_extended = ?", extended).Find(&rows)

	result := make([]NeighborView, 0, len(rows))
	for _, row := range rows {
		result = append(result, NeighborView{
			Extended:       row.PeerExtended,
			Short:          row.PeerShort,
			LocalIndex:     row.LocalIndex,
			Status:         row.Status,
			ExpirationUnix: row.ExpirationUnix,
			ObservedAtUnix: row.ObservedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, result)
}
