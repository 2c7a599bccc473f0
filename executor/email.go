package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"

	"cadence/engine"
	"cadence/models"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecipientDirectory resolves a target to a deliverable email address
type RecipientDirectory interface {
	RecipientEmail(ctx context.Context, targetType string, targetID uint) (email, name string, err error)
}

// EmailMessage is one outbound message handed to the delivery layer
type EmailMessage struct {
	To        string
	ToName    string
	Subject   string
	HTMLBody  string
	TextBody  string
	MessageID string
}

// EmailSender is the external send-email collaborator contract.
// Implementations classify their failures with the engine error types;
// anything unclassified is treated as transient.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailExecutor renders the step's template for the target and hands it
// to the delivery layer
type EmailExecutor struct {
	DB        *gorm.DB
	Directory RecipientDirectory
	Sender    EmailSender
	Logger    *log.Logger
}

func NewEmailExecutor(db *gorm.DB, directory RecipientDirectory, sender EmailSender, logger *log.Logger) *EmailExecutor {
	return &EmailExecutor{
		DB:        db,
		Directory: directory,
		Sender:    sender,
		Logger:    logger,
	}
}

func (ee *EmailExecutor) Execute(ctx context.Context, ec ExecutionContext) Outcome {
	if ec.Config.TemplateID == nil {
		return Permanent(fmt.Errorf("email step %d has no template reference", ec.StepID))
	}

	var tmpl models.Template
	if err := ee.DB.First(&tmpl, *ec.Config.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Permanent(fmt.Errorf("template %d no longer exists", *ec.Config.TemplateID))
		}
		return Transient(fmt.Errorf("failed to load template %d: %w", *ec.Config.TemplateID, err))
	}

	email, name, err := ee.Directory.RecipientEmail(ctx, ec.TargetType, ec.TargetID)
	if err != nil {
		return classify(err)
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return Permanent(fmt.Errorf("invalid recipient address %q: %w", email, err))
	}

	data := struct {
		Name       string
		Email      string
		TargetType string
		TargetID   uint
	}{Name: name, Email: email, TargetType: ec.TargetType, TargetID: ec.TargetID}

	subject, err := render("subject", tmpl.Subject, data)
	if err != nil {
		return Permanent(fmt.Errorf("template %d subject is malformed: %w", tmpl.ID, err))
	}
	htmlBody, err := render("html", tmpl.HTMLContent, data)
	if err != nil {
		return Permanent(fmt.Errorf("template %d body is malformed: %w", tmpl.ID, err))
	}
	textBody, err := render("text", tmpl.TextContent, data)
	if err != nil {
		return Permanent(fmt.Errorf("template %d text body is malformed: %w", tmpl.ID, err))
	}

	msg := EmailMessage{
		To:        email,
		ToName:    name,
		Subject:   subject,
		HTMLBody:  htmlBody,
		TextBody:  textBody,
		MessageID: uuid.New().String(),
	}
	if err := ee.Sender.Send(ctx, msg); err != nil {
		return classify(err)
	}

	ee.Logger.Printf("Sent %q to %s (message %s)", subject, email, msg.MessageID)
	return Success(fmt.Sprintf("sent message %s to %s", msg.MessageID, email))
}

func render(name, content string, data interface{}) (string, error) {
	t, err := template.New(name).Parse(content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// classify maps a collaborator error onto an outcome. Unclassified
// errors count as transient so nothing is dropped on an unknown hiccup.
func classify(err error) Outcome {
	var perm *engine.PermanentExecutionError
	if errors.As(err, &perm) {
		return Permanent(err)
	}
	return Transient(err)
}
