package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwarden/warden/internal/alerts"
	"github.com/agentwarden/warden/internal/db"
	"github.com/agentwarden/warden/internal/engine"
	"github.com/agentwarden/warden/internal/plan"
	"github.com/agentwarden/warden/internal/secrets"
)

type ProvisionTenantRequest struct {
	ExternalID  string            `json:"external_id" binding:"required"`
	DisplayName string            `json:"display_name" binding:"required,min=1,max=255"`
	Plan        string            `json:"plan" binding:"required,oneof=free starter pro"`
	Secrets     map[string]string `json:"secrets"`
}

func (h *Handler) ProvisionTenant(c *gin.Context) {
	var req ProvisionTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sealed, err := h.box.Seal(secrets.Bundle(req.Secrets))
	if err != nil {
		h.respondError(c, err)
		return
	}

	id := uuid.New().String()
	tenant := &db.Tenant{
		ID:            id,
		ExternalID:    req.ExternalID,
		DisplayName:   req.DisplayName,
		Plan:          plan.Plan(req.Plan),
		ContainerName: "warden-" + id[:8],
		Status:        db.StatusUnprovisioned,
		SecretsSealed: sealed,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.registry.Create(c.Request.Context(), tenant); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.orch.Provision(c.Request.Context(), tenant); err != nil {
		// No container survives a failed provision; retire the record so the
		// identity can be provisioned again.
		if delErr := h.registry.MarkDeleted(context.WithoutCancel(c.Request.Context()), tenant.ID); delErr != nil {
			h.logger.Error("Failed to retire tenant after provision failure",
				zap.String("tenant_id", tenant.ID), zap.Error(delErr))
		}
		if errors.Is(err, engine.ErrImageMissing) {
			h.dispatcher.Notify(c.Request.Context(), alerts.SeverityCritical, tenant.ID, alerts.KindFatal,
				"sandbox image missing; provisioning halted")
		}
		h.respondError(c, err)
		return
	}

	h.logger.Info("Tenant provisioned",
		zap.String("tenant_id", tenant.ID),
		zap.String("external_id", tenant.ExternalID),
		zap.String("plan", string(tenant.Plan)),
	)

	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) GetTenant(c *gin.Context) {
	tenant, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	// Live engine view is best effort; the registry status stands on its own.
	var container gin.H
	inspectCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if state, err := h.engine.Inspect(inspectCtx, tenant.ContainerName); err == nil {
		container = gin.H{"class": state.Class, "status": state.Status}
	}

	limits := plan.LimitsFor(tenant.Plan)
	c.JSON(http.StatusOK, gin.H{
		"tenant":    tenant,
		"container": container,
		"limits": gin.H{
			"memory_bytes":       limits.MemoryBytes,
			"cpu_share":          limits.CPUShare,
			"daily_token_budget": limits.DailyTokenBudget,
			"max_restarts":       limits.MaxConsecutiveRestarts,
		},
	})
}

type UpdateTenantRequest struct {
	DisplayName *string           `json:"display_name"`
	Plan        *string           `json:"plan"`
	Secrets     map[string]string `json:"secrets"`
}

func (h *Handler) UpdateTenant(c *gin.Context) {
	var req UpdateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if req.DisplayName != nil {
		tenant.DisplayName = *req.DisplayName
	}
	if req.Plan != nil {
		p, err := plan.Parse(*req.Plan)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// New limits take effect on the next restart of the container.
		tenant.Plan = p
	}
	if req.Secrets != nil {
		sealed, err := h.box.Seal(secrets.Bundle(req.Secrets))
		if err != nil {
			h.respondError(c, err)
			return
		}
		tenant.SecretsSealed = sealed
	}

	if err := h.registry.Update(c.Request.Context(), tenant); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) DeleteTenant(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.DefaultQuery("remove_data", "false"))

	tenant, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	// Retire the record first so the watchdog cannot revive the container
	// mid-teardown: its conditional updates fail against a deleted tenant.
	if err := h.registry.MarkDeleted(c.Request.Context(), tenant.ID); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.orch.Delete(c.Request.Context(), tenant, purge); err != nil {
		h.logger.Error("Teardown failed for retired tenant",
			zap.String("tenant_id", tenant.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tenant retired but teardown incomplete"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "data_purged": purge})
}

type ContainerActionRequest struct {
	Action string `json:"action" binding:"required,oneof=start stop restart"`
}

// ContainerAction is the manual lifecycle path. Each action first claims
// the transition via compare-and-set, so it can never clobber a concurrent
// watchdog decision; the loser of the race gets a 409.
func (h *Handler) ContainerAction(c *gin.Context) {
	var req ContainerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	tenant, err := h.registry.Get(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	switch req.Action {
	case "start":
		err = h.registry.CompareAndSetStatus(ctx, tenant.ID, tenant.Status, db.StatusStarting, "manual start")
		if err == nil {
			err = h.orch.Start(ctx, tenant)
		}
	case "stop":
		err = h.registry.CompareAndSetStatus(ctx, tenant.ID, tenant.Status, db.StatusStopped, "manual stop")
		if err == nil {
			err = h.orch.Stop(ctx, tenant)
		}
	case "restart":
		err = h.registry.CompareAndSetStatus(ctx, tenant.ID, tenant.Status, db.StatusRestarting, "manual restart")
		if err == nil {
			err = h.orch.Restart(ctx, tenant)
		}
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("Manual container action",
		zap.String("tenant_id", tenant.ID),
		zap.String("action", req.Action),
	)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": req.Action})
}

func (h *Handler) GetUsage(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days < 1 || days > 90 {
		days = 7
	}

	tenant, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	logs, err := h.registry.GetUsage(c.Request.Context(), tenant.ID, days)
	if err != nil {
		h.respondError(c, err)
		return
	}

	limits := plan.LimitsFor(tenant.Plan)
	c.JSON(http.StatusOK, gin.H{
		"usage":              logs,
		"daily_token_budget": limits.DailyTokenBudget,
	})
}
