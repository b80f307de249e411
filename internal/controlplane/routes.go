package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/controlplane/middleware"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/version"
)

type RouteConfig struct {
	Auth middleware.TokenAuthConfig
	// RateLimit is requests per minute per client. Zero disables it.
	RateLimit int64
	Profiles  handlers.ProfileLoader
}

func SetupRoutes(mgr *runtime.Manager, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	reader := mirror.NewReader(0)
	statusH := handlers.NewStatusHandler(mgr)
	profileH := handlers.NewProfileHandler(mgr, routeConfig.Profiles)
	mirrorH := handlers.NewMirrorHandler(mgr, routeConfig.Profiles, reader)
	eventsH := handlers.NewEventsHandler(mgr.Bus())

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(middleware.RateLimit(routeConfig.RateLimit))

	r.GET("/", IndexHandler)
	r.GET("/health", statusH.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", statusH.Status)
		v1.GET("/events", eventsH.Stream)

		v1Profiles := v1.Group("/profiles")
		{
			v1Profiles.GET("", profileH.List)
			v1Profiles.GET("/:name", profileH.Get)
			v1Profiles.POST("/:name/start", profileH.Start)
			v1Profiles.POST("/:name/stop", profileH.Stop)
			v1Profiles.POST("/:name/sync", profileH.Sync)
			v1Profiles.POST("/:name/snapshot", profileH.Snapshot)
		}

		v1Mirror := v1.Group("/mirror")
		{
			v1Mirror.GET("/versions", mirrorH.Versions)
			v1Mirror.POST("/restore", mirrorH.Restore)
			v1Mirror.GET("/snapshots", mirrorH.Snapshots)
			v1Mirror.GET("/snapshot", mirrorH.Snapshot)
			v1Mirror.POST("/snapshot/restore", mirrorH.SnapshotRestore)
			v1Mirror.POST("/snapshot/export", mirrorH.SnapshotExport)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}
