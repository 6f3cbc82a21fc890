package handlers

import (
	"net/http"

	"fieldops/internal/models"
	"fieldops/internal/workflow"

	"github.com/gin-gonic/gin"
)

//
// ЗАДАЧИ
//

func (h *Handler) ListProjectTasks(c *gin.Context) {
	projectID, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	tasks, err := h.Tasks.ListByProject(c.Request.Context(), principal(c), projectID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tasks})
}

func (h *Handler) CreateTask(c *gin.Context) {
	projectID, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in workflow.TaskInput
	if err := bind(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	task, err := h.Tasks.Create(c.Request.Context(), principal(c), projectID, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) GetTask(c *gin.Context) {
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.Get(c.Request.Context(), principal(c), id)
	})
}

func (h *Handler) UpdateTask(c *gin.Context) {
	var patch workflow.TaskPatch
	if err := bind(c, &patch); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.Update(c.Request.Context(), principal(c), id, patch)
	})
}

type positionForm struct {
	Status models.TaskStatus `json:"status"`
}

// MoveTask: PATCH /tasks/:id/position, смена статуса с доски.
func (h *Handler) MoveTask(c *gin.Context) {
	var form positionForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.Move(c.Request.Context(), principal(c), id, form.Status)
	})
}

type assigneeForm struct {
	AssignedTo *uint `json:"assignedTo"`
}

func (h *Handler) AssignTask(c *gin.Context) {
	var form assigneeForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.Assign(c.Request.Context(), principal(c), id, form.AssignedTo)
	})
}

type filesForm struct {
	Files []models.FileDescriptor `json:"files"`
}

func (h *Handler) AddAttachments(c *gin.Context) {
	var form filesForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.AddAttachments(c.Request.Context(), principal(c), id, form.Files)
	})
}

func (h *Handler) RemoveAttachment(c *gin.Context) {
	fileID, err := idParam(c, "fileId")
	if err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.RemoveAttachment(c.Request.Context(), principal(c), id, fileID)
	})
}

func (h *Handler) AddEvidence(c *gin.Context) {
	var form filesForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.AddEvidence(c.Request.Context(), principal(c), id, form.Files)
	})
}

func (h *Handler) RemoveEvidence(c *gin.Context) {
	fileID, err := idParam(c, "fileId")
	if err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.RemoveEvidence(c.Request.Context(), principal(c), id, fileID)
	})
}

type textForm struct {
	Text string `json:"text"`
}

func (h *Handler) AddComment(c *gin.Context) {
	var form textForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.AddComment(c.Request.Context(), principal(c), id, form.Text)
	})
}

func (h *Handler) AddPrivateMessage(c *gin.Context) {
	var form textForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	h.withTask(c, func(id uint) (*models.Task, error) {
		return h.Tasks.AddPrivateMessage(c.Request.Context(), principal(c), id, form.Text)
	})
}

func (h *Handler) TaskHistory(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.Tasks.History(c.Request.Context(), principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

func (h *Handler) DeleteTask(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Tasks.Delete(c.Request.Context(), principal(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// withTask parses :id, runs op and writes the task it returns.
func (h *Handler) withTask(c *gin.Context, op func(id uint) (*models.Task, error)) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	task, err := op(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
