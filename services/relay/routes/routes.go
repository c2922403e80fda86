// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/laorent/ether/services/gateway"
	"github.com/laorent/ether/services/relay/handlers"
)

// SetupRoutes wires the relay's endpoints onto the router.
func SetupRoutes(router *gin.Engine, gatewayClient gateway.Client, materializer gateway.Materializer,
	model, accessSecret string) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatStreamHandler(gatewayClient, materializer, model)
	accessHandler := handlers.NewAccessHandler(accessSecret)

	api := router.Group("/api")
	{
		api.POST("/chat", chatHandler.HandleChatStream)
		api.GET("/auth-check", accessHandler.HandleStatus)
		api.POST("/auth-check", accessHandler.HandleVerify)
	}
}
