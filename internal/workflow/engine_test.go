package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"fieldops/internal/apperr"
	"fieldops/internal/blob"
	"fieldops/internal/events"
	"fieldops/internal/models"
	"fieldops/internal/notify"
	"fieldops/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	engine  *Engine
	db      *gorm.DB
	bus     *events.Recorder
	store   *blob.Memory
	admin   models.Principal
	pm      models.Principal
	otherPM models.Principal
	tech1   models.Principal
	tech2   models.Principal
	client  models.Principal
	project models.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{db: db, bus: events.NewRecorder(), store: blob.NewMemory()}
	f.admin = testutil.CreateUser(t, db, "admin", models.RoleAdmin)
	f.pm = testutil.CreateUser(t, db, "pm", models.RoleProjectManager)
	f.otherPM = testutil.CreateUser(t, db, "pm2", models.RoleProjectManager)
	f.tech1 = testutil.CreateUser(t, db, "tech1", models.RoleTechnician)
	f.tech2 = testutil.CreateUser(t, db, "tech2", models.RoleTechnician)
	f.client = testutil.CreateUser(t, db, "client", models.RoleClient)

	f.project = models.Project{Name: "Fit-out", Status: models.ProjectPending, ClientID: f.client.ID, ManagerID: f.pm.ID}
	require.NoError(t, db.Create(&f.project).Error)

	dispatcher := notify.New(db, f.bus, testutil.Logger())
	f.engine = New(db, dispatcher, blob.NewFiles(f.store, "/uploads/"), testutil.Logger())
	return f
}

func (f *fixture) task(t *testing.T, assignee *models.Principal) *models.Task {
	t.Helper()
	in := TaskInput{Title: "Install rack"}
	if assignee != nil {
		in.AssignedTo = &assignee.ID
	}
	task, err := f.engine.Create(context.Background(), f.pm, f.project.ID, in)
	require.NoError(t, err)
	return task
}

func image(url string) models.FileDescriptor {
	return models.FileDescriptor{URL: url, Mimetype: "image/jpeg", Size: 1024, OriginalName: "photo.jpg"}
}

func decodeChanges(t *testing.T, entry models.TaskChangeLog) []models.FieldChange {
	t.Helper()
	var out []models.FieldChange
	require.NoError(t, json.Unmarshal(entry.Changes, &out))
	return out
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, &f.tech1)
	assert.Equal(t, models.TaskToDo, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, f.pm.ID, task.LastUpdatedBy)
	require.Len(t, task.ChangeLog, 1)
	assert.Equal(t, "create", task.ChangeLog[0].Action)

	ids, err := f.engine.AssignedTaskIDs(ctx, f.tech1.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, ids)

	msgs := f.bus.For(f.tech1.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NotifyTaskAssigned, msgs[0].Notification.Type)

	_, err = f.engine.Create(ctx, f.otherPM, f.project.ID, TaskInput{Title: "x"})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
	_, err = f.engine.Create(ctx, f.tech1, f.project.ID, TaskInput{Title: "x"})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
	_, err = f.engine.Create(ctx, f.pm, f.project.ID, TaskInput{Title: "  "})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.engine.Create(ctx, f.pm, 999, TaskInput{Title: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = f.engine.Create(ctx, f.pm, f.project.ID, TaskInput{Title: "x", AssignedTo: &f.client.ID})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestTechnicianNeedsEvidenceForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	_, err := f.engine.Move(ctx, f.tech1, task.ID, models.TaskInReview)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	got, err := f.engine.Get(ctx, f.admin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskToDo, got.Status)

	_, err = f.engine.AddEvidence(ctx, f.tech1, task.ID, []models.FileDescriptor{image("/uploads/e1.jpg")})
	require.NoError(t, err)

	moved, err := f.engine.Move(ctx, f.tech1, task.ID, models.TaskInReview)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInReview, moved.Status)
	assert.Len(t, moved.WorkEvidence, 1)
	assert.Empty(t, moved.Attachments)
	assert.Equal(t, f.tech1.ID, moved.LastUpdatedBy)
}

func TestManagerBypassesEvidenceGate(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, nil)

	moved, err := f.engine.Move(context.Background(), f.pm, task.ID, models.TaskInReview)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInReview, moved.Status)
}

func TestMoveRequiresBoardAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	_, err := f.engine.Move(ctx, f.tech2, task.ID, models.TaskInProgress)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
	_, err = f.engine.Move(ctx, f.client, task.ID, models.TaskInProgress)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
	_, err = f.engine.Move(ctx, f.tech1, task.ID, "Done")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	moved, err := f.engine.Move(ctx, f.tech1, task.ID, models.TaskInProgress)
	require.NoError(t, err)
	assert.Len(t, moved.ChangeLog, 2)

	// no-op move writes nothing
	moved, err = f.engine.Move(ctx, f.tech1, task.ID, models.TaskInProgress)
	require.NoError(t, err)
	assert.Len(t, moved.ChangeLog, 2)

	var changed []events.Message
	for _, m := range f.bus.For(f.pm.ID) {
		if m.Notification.Type == models.NotifyTaskStatusChanged {
			changed = append(changed, m)
		}
	}
	assert.Len(t, changed, 1)
}

func TestEvidenceMustBeImage(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, &f.tech1)

	_, err := f.engine.AddEvidence(context.Background(), f.tech1, task.ID, []models.FileDescriptor{
		{URL: "/uploads/report.pdf", Mimetype: "application/pdf", Size: 10},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.engine.AddEvidence(context.Background(), f.tech1, task.ID, []models.FileDescriptor{{URL: "/uploads/a.jpg", Mimetype: "image/jpeg"}})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.engine.AddEvidence(context.Background(), f.tech2, task.ID, []models.FileDescriptor{image("/uploads/b.jpg")})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
}

func TestReassignMovesTaskBetweenLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	got, err := f.engine.Assign(ctx, f.pm, task.ID, &f.tech2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, f.tech2.ID, *got.AssignedTo)

	ids, err := f.engine.AssignedTaskIDs(ctx, f.tech1.ID)
	require.NoError(t, err)
	assert.NotContains(t, ids, task.ID)
	ids, err = f.engine.AssignedTaskIDs(ctx, f.tech2.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, ids)

	last := got.ChangeLog[len(got.ChangeLog)-1]
	assert.Equal(t, "assign", last.Action)
	changes := decodeChanges(t, last)
	require.Len(t, changes, 1)
	assert.EqualValues(t, f.tech1.ID, changes[0].Before)
	assert.EqualValues(t, f.tech2.ID, changes[0].After)

	got, err = f.engine.Assign(ctx, f.pm, task.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedTo)
	ids, err = f.engine.AssignedTaskIDs(ctx, f.tech2.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = f.engine.Assign(ctx, f.pm, task.ID, &f.pm.ID)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.engine.Assign(ctx, f.tech1, task.ID, &f.tech1.ID)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
}

func TestUpdateWritesOneEntryPerMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	title := "Install two racks"
	high := models.PriorityHigh
	got, err := f.engine.Update(ctx, f.pm, task.ID, TaskPatch{Title: &title, Priority: &high})
	require.NoError(t, err)
	require.Len(t, got.ChangeLog, 2)

	entry := got.ChangeLog[1]
	assert.Equal(t, "update", entry.Action)
	assert.Equal(t, f.pm.ID, entry.ActorID)
	changes := decodeChanges(t, entry)
	require.Len(t, changes, 2)
	assert.Equal(t, models.FieldChange{Field: "title", Before: "Install rack", After: title}, changes[0])
	assert.Equal(t, models.FieldChange{Field: "priority", Before: "Medium", After: "High"}, changes[1])

	// same values again: nothing changes, nothing is logged
	got, err = f.engine.Update(ctx, f.pm, task.ID, TaskPatch{Title: &title, Priority: &high})
	require.NoError(t, err)
	assert.Len(t, got.ChangeLog, 2)

	// reassignment through the full update
	got, err = f.engine.Update(ctx, f.admin, task.ID, TaskPatch{AssignedTo: &f.tech2.ID})
	require.NoError(t, err)
	assert.Len(t, got.ChangeLog, 3)
	assert.Equal(t, f.admin.ID, got.LastUpdatedBy)
	ids, err := f.engine.AssignedTaskIDs(ctx, f.tech2.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, ids)

	_, err = f.engine.Update(ctx, f.tech2, task.ID, TaskPatch{Title: &title})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
	_, err = f.engine.Update(ctx, f.otherPM, task.ID, TaskPatch{Title: &title})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	history, err := f.engine.History(ctx, f.client, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestEvidenceLockedAfterSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	got, err := f.engine.AddEvidence(ctx, f.tech1, task.ID, []models.FileDescriptor{image("/uploads/e1.jpg"), image("/uploads/e2.jpg")})
	require.NoError(t, err)
	require.Len(t, got.WorkEvidence, 2)
	require.NoError(t, f.store.Put(ctx, "e1.jpg", strings.NewReader("x"), "image/jpeg"))

	_, err = f.engine.Move(ctx, f.tech1, task.ID, models.TaskInReview)
	require.NoError(t, err)

	_, err = f.engine.RemoveEvidence(ctx, f.tech1, task.ID, got.WorkEvidence[0].ID)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	after, err := f.engine.RemoveEvidence(ctx, f.pm, task.ID, got.WorkEvidence[0].ID)
	require.NoError(t, err)
	assert.Len(t, after.WorkEvidence, 1)
	assert.Zero(t, f.store.Len())

	_, err = f.engine.RemoveEvidence(ctx, f.pm, task.ID, got.WorkEvidence[0].ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAttachmentsAreManagerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)
	doc := models.FileDescriptor{URL: "/uploads/plan.pdf", Mimetype: "application/pdf", Size: 99, OriginalName: "plan.pdf"}

	_, err := f.engine.AddAttachments(ctx, f.tech1, task.ID, []models.FileDescriptor{doc})
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	got, err := f.engine.AddAttachments(ctx, f.pm, task.ID, []models.FileDescriptor{doc})
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Empty(t, got.WorkEvidence)

	last := got.ChangeLog[len(got.ChangeLog)-1]
	changes := decodeChanges(t, last)
	require.Len(t, changes, 1)
	assert.Equal(t, "attachments", changes[0].Field)
	assert.Equal(t, []any{}, changes[0].Before)
	assert.Equal(t, []any{"/uploads/plan.pdf"}, changes[0].After)

	// the file is not in the store; removal still succeeds
	got, err = f.engine.RemoveAttachment(ctx, f.pm, task.ID, got.Attachments[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attachments)
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)
	keep := f.task(t, &f.tech1)

	_, err := f.engine.AddEvidence(ctx, f.tech1, task.ID, []models.FileDescriptor{image("/uploads/present.jpg"), image("/uploads/missing.jpg")})
	require.NoError(t, err)
	_, err = f.engine.AddComment(ctx, f.client, task.ID, "looks good")
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, "present.jpg", strings.NewReader("x"), "image/jpeg"))

	_, err = f.engine.AddComment(ctx, f.client, keep.ID, "keep me")
	require.NoError(t, err)

	assert.True(t, errors.Is(f.engine.Delete(ctx, f.tech1, task.ID), apperr.ErrAuthorization))
	require.NoError(t, f.engine.Delete(ctx, f.pm, task.ID))

	_, err = f.engine.Get(ctx, f.admin, task.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Zero(t, f.store.Len())

	ids, err := f.engine.AssignedTaskIDs(ctx, f.tech1.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{keep.ID}, ids)

	tasks, err := f.engine.ListByProject(ctx, f.pm, f.project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, keep.ID, tasks[0].ID)

	var orphans int64
	require.NoError(t, f.db.Model(&models.TaskFile{}).Where("task_id = ?", task.ID).Count(&orphans).Error)
	assert.Zero(t, orphans)
	require.NoError(t, f.db.Model(&models.TaskComment{}).Where("task_id = ?", keep.ID).Count(&orphans).Error)
	assert.EqualValues(t, 1, orphans)

	assert.NotEmpty(t, f.bus.For(f.tech1.ID))
	assert.True(t, errors.Is(f.engine.Delete(ctx, f.pm, task.ID), apperr.ErrNotFound))
}

func TestPrivateMessagesHiddenFromClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)

	_, err := f.engine.AddPrivateMessage(ctx, f.tech1, task.ID, "client asked for a discount")
	require.NoError(t, err)
	_, err = f.engine.AddPrivateMessage(ctx, f.client, task.ID, "hi")
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	team, err := f.engine.Get(ctx, f.pm, task.ID)
	require.NoError(t, err)
	assert.Len(t, team.PrivateMessages, 1)

	seen, err := f.engine.Get(ctx, f.client, task.ID)
	require.NoError(t, err)
	assert.Empty(t, seen.PrivateMessages)

	raw, err := json.Marshal(seen)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "discount")
}

func TestListByProjectScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.task(t, &f.tech1)
	f.task(t, &f.tech2)

	tasks, err := f.engine.ListByProject(ctx, f.tech1, f.project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, mine.ID, tasks[0].ID)

	tasks, err = f.engine.ListByProject(ctx, f.client, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = f.engine.ListByProject(ctx, f.otherPM, f.project.ID)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))
}

func TestEvidenceRemovalSeesSubmissionThatWonTheLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)
	got, err := f.engine.AddEvidence(ctx, f.tech1, task.ID, []models.FileDescriptor{image("/uploads/e1.jpg")})
	require.NoError(t, err)

	// a Move to In Review commits while RemoveEvidence waits for the row
	testutil.BeforeLockedRead(t, f.db, "tasks", func(tx *gorm.DB) {
		require.NoError(t, tx.Exec("UPDATE tasks SET status = ? WHERE id = ?", string(models.TaskInReview), task.ID).Error)
	})

	_, err = f.engine.RemoveEvidence(ctx, f.tech1, task.ID, got.WorkEvidence[0].ID)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization))

	after, err := f.engine.Get(ctx, f.admin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInReview, after.Status)
	assert.Len(t, after.WorkEvidence, 1)
}

func TestMoveSeesEvidenceRemovalThatWonTheLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, &f.tech1)
	got, err := f.engine.AddEvidence(ctx, f.tech1, task.ID, []models.FileDescriptor{image("/uploads/e1.jpg")})
	require.NoError(t, err)

	testutil.BeforeLockedRead(t, f.db, "tasks", func(tx *gorm.DB) {
		require.NoError(t, tx.Exec("DELETE FROM task_files WHERE id = ?", got.WorkEvidence[0].ID).Error)
	})

	_, err = f.engine.Move(ctx, f.tech1, task.ID, models.TaskInReview)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	after, err := f.engine.Get(ctx, f.admin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskToDo, after.Status)
}

func TestAssignSurvivesNotificationStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, nil)
	require.NoError(t, f.db.Migrator().DropTable(&models.Notification{}))

	got, err := f.engine.Assign(ctx, f.pm, task.ID, &f.tech1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, f.tech1.ID, *got.AssignedTo)

	ids, err := f.engine.AssignedTaskIDs(ctx, f.tech1.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, ids)

	history, err := f.engine.History(ctx, f.pm, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
