package http

import "github.com/gin-gonic/gin"

func RegisterNotificationRoutes(r *gin.Engine, handler *NotificationHandler) {
	r.GET("/health", handler.Health)

	orders := r.Group("/orders")
	{
		orders.POST("/:id/confirmed", handler.OrderConfirmed)
		orders.POST("/:id/shared", handler.OrderShared)
		orders.DELETE("/:id", handler.RemoveOrder)
	}

	admin := r.Group("/admin")
	{
		admin.GET("/orders", handler.ListActiveOrders)
		admin.GET("/stats", handler.Stats)
		admin.GET("/dead-letter", handler.ListDeadLetter)
		admin.POST("/dead-letter/:id/retry", handler.RetryDeadLetter)
		admin.GET("/notifications/stream", handler.Stream)
	}
}
