// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counsel

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all Counsel routes with the router.
//
// Description:
//
//	Registers all /v1/counsel/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/counsel/chat - Run one chat turn
//	GET  /v1/counsel/events - Websocket stream of chat events
//	GET  /v1/counsel/tools - Registered tools
//	GET  /v1/counsel/health - Liveness
//	GET  /v1/counsel/ready - Readiness of downstream services
//	GET  /v1/counsel/metrics - Prometheus metrics
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	g := rg.Group("/counsel")
	g.POST("/chat", handlers.HandleChat)
	g.GET("/events", handlers.HandleEvents)
	g.GET("/tools", handlers.HandleTools)
	g.GET("/health", handlers.HandleHealth)
	g.GET("/ready", handlers.HandleReady)
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewRouter builds the gin engine with recovery and trace-context
// extraction, and registers the routes under /v1.
func NewRouter(handlers *Handlers, serviceName string, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if debug {
		router.Use(gin.Logger())
	}
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
