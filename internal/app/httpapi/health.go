package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var processStart = time.Now()

// health reports process liveness plus a host snapshot and the breaker
// states, so one probe shows both "are we up" and "are our dependencies
// up".
func (h *handler) health(c *gin.Context) {
	resp := gin.H{
		"status":     "ok",
		"uptime_sec": int64(time.Since(processStart).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		resp["host_uptime_sec"] = info.Uptime
	}

	if h.deps.Breakers != nil {
		breakers := gin.H{}
		degraded := false
		for _, stats := range h.deps.Breakers.Stats() {
			breakers[stats.Name] = stats.State
			if stats.State != "closed" {
				degraded = true
			}
		}
		resp["breakers"] = breakers
		if degraded {
			resp["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, resp)
}
