// Package httpapi exposes the state of a cluster and a replicated key value
// map over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/gin-gonic/gin"
)

// KVQualifier names the store holding the key value map.
const KVQualifier = "kv"

type API struct {
	c            *singlemaster.Cluster
	kv           *singlemaster.StoreMap[string, string]
	writeTimeout time.Duration
}

// New creates the API of c. Writes that cannot complete within writeTimeout
// fail with 503, zero waits as long as the client does.
func New(c *singlemaster.Cluster, writeTimeout time.Duration) *API {
	return &API{
		c:            c,
		kv:           singlemaster.GetClusterStoreMap[string, string](c, KVQualifier),
		writeTimeout: writeTimeout,
	}
}

func (a *API) Register(r *gin.Engine) {
	r.GET("/healthz", a.health())
	r.GET("/cluster", a.clusterState())

	r.GET("/kv", a.listValues())
	r.GET("/kv/:key", a.getValue())
	r.PUT("/kv/:key", a.putValue())
	r.DELETE("/kv/:key", a.deleteValue())
}

type nodeResponse struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Master    bool   `json:"master"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
}

type clusterResponse struct {
	Version   string         `json:"version"`
	Self      string         `json:"self"`
	Master    string         `json:"master,omitempty"`
	Connected bool           `json:"connected"`
	Available bool           `json:"available"`
	Nodes     []nodeResponse `json:"nodes"`
}

func (a *API) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := http.StatusOK
		if !a.c.IsConnected() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"connected": a.c.IsConnected(),
			"available": a.c.IsAvailable(),
			"master":    a.c.IsMaster(),
		})
	}
}

func (a *API) clusterState() gin.HandlerFunc {
	return func(c *gin.Context) {
		st := a.c.State()
		resp := clusterResponse{
			Version:   st.Version().String(),
			Self:      a.c.Self().String(),
			Connected: a.c.IsConnected(),
			Available: a.c.IsAvailable(),
		}
		if m, ok := st.Master(); ok {
			resp.Master = m.String()
		}
		for _, n := range st.Nodes() {
			resp.Nodes = append(resp.Nodes, nodeResponse{
				Name:      n.Server.Name,
				Addr:      n.Server.Addr,
				Master:    n.Master,
				Status:    n.Status.String(),
				LatencyMs: n.Latency.Milliseconds(),
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (a *API) listValues() gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := a.kv.All()
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, all)
	}
}

func (a *API) getValue() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		v, ok, err := a.kv.Get(key)
		if err != nil {
			abort(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found", "key": key})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": v})
	}
}

func (a *API) putValue() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := a.writeContext(c)
		defer cancel()
		if err := a.kv.Put(ctx, c.Param("key"), string(data)); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": string(data)})
	}
}

func (a *API) deleteValue() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := a.writeContext(c)
		defer cancel()
		if err := a.kv.Delete(ctx, c.Param("key")); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (a *API) writeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if a.writeTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), a.writeTimeout)
}

// abort maps the errors of the cluster to HTTP responses.
func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, singlemaster.ErrClusterDisconnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
