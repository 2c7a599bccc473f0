package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"

	"cadence/engine"
	"cadence/models"
	"cadence/utils"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:executor%d?mode=memory&cache=shared", atomic.AddInt64(&testDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.Migrate(db))
	return db
}

var testLogger = log.New(os.Stdout, "EXECUTOR-TEST: ", log.LstdFlags)

type fakeDirectory struct {
	email string
	name  string
	err   error
}

func (fd *fakeDirectory) RecipientEmail(ctx context.Context, targetType string, targetID uint) (string, string, error) {
	return fd.email, fd.name, fd.err
}

type fakeSender struct {
	sent []EmailMessage
	err  error
}

func (fs *fakeSender) Send(ctx context.Context, msg EmailMessage) error {
	if fs.err != nil {
		return fs.err
	}
	fs.sent = append(fs.sent, msg)
	return nil
}

type fakeCreator struct {
	keys    map[string]bool
	err     error
	created int
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{keys: make(map[string]bool)}
}

func (fc *fakeCreator) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	if fc.err != nil {
		return "", fc.err
	}
	if fc.keys[req.IdempotencyKey] {
		return TaskAlreadyExists, nil
	}
	fc.keys[req.IdempotencyKey] = true
	fc.created++
	return TaskCreated, nil
}

func TestRegistryUnknownActionType(t *testing.T) {
	registry := NewRegistry()
	outcome := registry.Execute(context.Background(), "carrier-pigeon", ExecutionContext{})
	assert.Equal(t, StatusPermanentFailure, outcome.Status)
}

func TestWaitExecutorAlwaysSucceeds(t *testing.T) {
	registry := NewRegistry()
	registry.Register(models.ActionTypeWait, NewWaitExecutor())

	outcome := registry.Execute(context.Background(), models.ActionTypeWait, ExecutionContext{})
	assert.Equal(t, StatusSuccess, outcome.Status)
}

func TestEmailExecutorRendersAndSends(t *testing.T) {
	db := newTestDB(t)
	template := models.Template{
		Name:        "welcome",
		Subject:     "Hello {{.Name}}",
		HTMLContent: "<p>Hi {{.Name}}, you are contact {{.TargetID}}</p>",
		TextContent: "Hi {{.Name}}",
	}
	require.NoError(t, db.Create(&template).Error)

	sender := &fakeSender{}
	ee := NewEmailExecutor(db, &fakeDirectory{email: "ada@example.com", name: "Ada"}, sender, testLogger)

	outcome := ee.Execute(context.Background(), ExecutionContext{
		EnrollmentID: 1,
		StepID:       2,
		TargetType:   models.TargetTypeContact,
		TargetID:     42,
		Config:       models.StepConfig{TemplateID: utils.Pointer(template.ID)},
	})

	require.Equal(t, StatusSuccess, outcome.Status, "detail: %s", outcome.Detail)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ada@example.com", sender.sent[0].To)
	assert.Equal(t, "Hello Ada", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].HTMLBody, "you are contact 42")
	assert.NotEmpty(t, sender.sent[0].MessageID)
}

func TestEmailExecutorFailureMapping(t *testing.T) {
	db := newTestDB(t)
	template := models.Template{Name: "t", Subject: "s", TextContent: "b"}
	require.NoError(t, db.Create(&template).Error)

	tests := []struct {
		name      string
		directory RecipientDirectory
		sender    EmailSender
		config    models.StepConfig
		want      string
	}{
		{
			name:   "missing template reference",
			config: models.StepConfig{},
			want:   StatusPermanentFailure,
		},
		{
			name:   "dangling template",
			config: models.StepConfig{TemplateID: utils.Pointer(uint(9999))},
			want:   StatusPermanentFailure,
		},
		{
			name:      "invalid recipient address",
			directory: &fakeDirectory{email: "not-an-address"},
			config:    models.StepConfig{TemplateID: utils.Pointer(template.ID)},
			want:      StatusPermanentFailure,
		},
		{
			name:      "target gone",
			directory: &fakeDirectory{err: &engine.PermanentExecutionError{Err: errors.New("contact 42 does not exist")}},
			config:    models.StepConfig{TemplateID: utils.Pointer(template.ID)},
			want:      StatusPermanentFailure,
		},
		{
			name:      "crm unreachable",
			directory: &fakeDirectory{err: &engine.TransientExecutionError{Err: errors.New("connection refused")}},
			config:    models.StepConfig{TemplateID: utils.Pointer(template.ID)},
			want:      StatusTransientFailure,
		},
		{
			name:      "smtp down",
			directory: &fakeDirectory{email: "ada@example.com"},
			sender:    &fakeSender{err: &engine.TransientExecutionError{Err: errors.New("dial timeout")}},
			config:    models.StepConfig{TemplateID: utils.Pointer(template.ID)},
			want:      StatusTransientFailure,
		},
		{
			name:      "unclassified sender error counts as transient",
			directory: &fakeDirectory{email: "ada@example.com"},
			sender:    &fakeSender{err: errors.New("weird")},
			config:    models.StepConfig{TemplateID: utils.Pointer(template.ID)},
			want:      StatusTransientFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := tt.sender
			if sender == nil {
				sender = &fakeSender{}
			}
			directory := tt.directory
			if directory == nil {
				directory = &fakeDirectory{email: "ada@example.com"}
			}
			ee := NewEmailExecutor(db, directory, sender, testLogger)
			outcome := ee.Execute(context.Background(), ExecutionContext{
				TargetType: models.TargetTypeContact,
				TargetID:   42,
				Config:     tt.config,
			})
			assert.Equal(t, tt.want, outcome.Status, "detail: %s", outcome.Detail)
		})
	}
}

func TestTaskExecutorIdempotency(t *testing.T) {
	creator := newFakeCreator()
	te := NewTaskExecutor(creator, testLogger)

	ec := ExecutionContext{
		EnrollmentID: 7,
		StepID:       3,
		TargetType:   models.TargetTypeDeal,
		TargetID:     9,
		Config:       models.StepConfig{Title: "Call the prospect"},
	}

	first := te.Execute(context.Background(), ec)
	assert.Equal(t, StatusSuccess, first.Status)

	// A retried claim reuses the key and must not create a second task
	second := te.Execute(context.Background(), ec)
	assert.Equal(t, StatusSuccess, second.Status)
	assert.Equal(t, 1, creator.created)
	assert.True(t, creator.keys[IdempotencyKey(7, 3)])
}

func TestTaskExecutorFailureMapping(t *testing.T) {
	transient := newFakeCreator()
	transient.err = &engine.TransientExecutionError{Err: errors.New("service 503")}
	outcome := NewTaskExecutor(transient, testLogger).Execute(context.Background(), ExecutionContext{})
	assert.Equal(t, StatusTransientFailure, outcome.Status)

	permanent := newFakeCreator()
	permanent.err = &engine.PermanentExecutionError{Err: errors.New("service rejected payload")}
	outcome = NewTaskExecutor(permanent, testLogger).Execute(context.Background(), ExecutionContext{})
	assert.Equal(t, StatusPermanentFailure, outcome.Status)
}
