package handlers

import (
	"net/http"

	"fieldops/internal/projects"

	"github.com/gin-gonic/gin"
)

//
// ПРОЕКТЫ
//

func (h *Handler) ListProjects(c *gin.Context) {
	list, err := h.Projects.List(c.Request.Context(), principal(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (h *Handler) GetProject(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	project, err := h.Projects.Get(c.Request.Context(), principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) CreateProject(c *gin.Context) {
	var in projects.ProjectInput
	if err := bind(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	project, err := h.Projects.Create(c.Request.Context(), principal(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) UpdateProject(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var patch projects.ProjectPatch
	if err := bind(c, &patch); err != nil {
		h.fail(c, err)
		return
	}
	project, err := h.Projects.Update(c.Request.Context(), principal(c), id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) DeleteProject(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Projects.Delete(c.Request.Context(), principal(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
