package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careflow-go/internal/engine"
	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/faults"
	"github.com/careflow-go/pkg/resilience"
)

// WorkflowType is the registered name of the organization bootstrap
// workflow. Trigger events map to it through the event catalog.
const WorkflowType = "org-bootstrap"

const (
	actCreateOrganization     = "create-organization"
	actConfigureDNS           = "configure-dns"
	actRemoveDNS              = "remove-dns"
	actCreateInvitation       = "create-invitation"
	actSendInvitationEmail    = "send-invitation-email"
	actActivateOrganization   = "activate-organization"
	actDeactivateOrganization = "deactivate-organization"
	actCancelInvitation       = "cancel-invitation"
)

// Params is the trigger payload: everything needed to provision a
// tenant and invite its first administrators. The stream_id key is the
// organization's aggregate identity, stamped in by the trigger
// processor before the engine sees the payload.
type Params struct {
	OrganizationID string          `json:"stream_id"`
	Subdomain      string          `json:"subdomain"`
	OrgData        json.RawMessage `json:"orgData"`
	Users          []UserParam     `json:"users"`
}

type UserParam struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Result is what Get returns after the run completes. EmailFailures
// lists addresses whose invitation email could not be delivered; those
// invitations stay open for manual resend.
type Result struct {
	OrganizationID string   `json:"organization_id"`
	InvitationIDs  []string `json:"invitation_ids"`
	EmailFailures  []string `json:"email_failures,omitempty"`
}

type orgInput struct {
	OrganizationID string          `json:"organization_id"`
	Subdomain      string          `json:"subdomain"`
	OrgData        json.RawMessage `json:"org_data"`
}

type dnsInput struct {
	OrganizationID string `json:"organization_id"`
	Subdomain      string `json:"subdomain"`
}

type invitationInput struct {
	InvitationID   string `json:"invitation_id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
}

type emailInput struct {
	InvitationID string `json:"invitation_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Subdomain    string `json:"subdomain"`
}

// Deps carries the external providers the bootstrap activities call.
// The retry overrides exist for tests; zero values get the production
// profiles.
type Deps struct {
	DNS    DNSProvider
	Mailer Mailer

	DNSRetry   resilience.RetryConfig
	EmailRetry resilience.RetryConfig
}

// Register wires the workflow and its activities into the engine. The
// DNS provider runs behind a circuit breaker shared across runs.
func Register(e *engine.Engine, deps Deps) {
	dnsBreaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("dns-provider"))

	dnsRetry := deps.DNSRetry
	if dnsRetry.MaxAttempts == 0 {
		dnsRetry = resilience.RetryConfig{
			MaxAttempts:       5,
			InitialDelay:      5 * time.Second,
			MaxDelay:          2 * time.Minute,
			BackoffMultiplier: 2.0,
			ShouldRetry:       faults.Retryable,
		}
	}
	emailRetry := deps.EmailRetry
	if emailRetry.MaxAttempts == 0 {
		emailRetry = resilience.RetryConfig{
			MaxAttempts:       2,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2.0,
			ShouldRetry:       faults.Retryable,
		}
	}

	e.RegisterWorkflow(engine.WorkflowDefinition{
		Type: WorkflowType,
		Fn:   Workflow,
	})

	e.RegisterActivity(engine.ActivityDefinition{
		Name: actCreateOrganization,
		Fn:   createOrganization,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name:  actConfigureDNS,
		Fn:    configureDNS(deps.DNS, dnsBreaker),
		Retry: dnsRetry,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name: actRemoveDNS,
		Fn:   removeDNS(deps.DNS),
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name: actCreateInvitation,
		Fn:   createInvitation,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name:  actSendInvitationEmail,
		Fn:    sendInvitationEmail(deps.Mailer),
		Retry: emailRetry,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name: actActivateOrganization,
		Fn:   activateOrganization,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name: actDeactivateOrganization,
		Fn:   deactivateOrganization,
	})
	e.RegisterActivity(engine.ActivityDefinition{
		Name: actCancelInvitation,
		Fn:   cancelInvitation,
	})
}

// Workflow provisions a tenant: organization record, subdomain DNS,
// admin invitations, invitation emails, activation. Every step that
// leaves a trace registers its undo before or right after executing, so
// a failure anywhere unwinds cleanly. Email delivery is the exception:
// a bad address costs one invitation email, not the tenant.
func Workflow(ctx *engine.Context) error {
	var p Params
	if err := ctx.DecodeParams(&p); err != nil {
		return err
	}
	if p.OrganizationID == "" || p.Subdomain == "" {
		return faults.Newf(faults.Validation, "organization_id and subdomain are required")
	}

	org := orgInput{OrganizationID: p.OrganizationID, Subdomain: p.Subdomain, OrgData: p.OrgData}
	if err := ctx.Compensate(actDeactivateOrganization, org); err != nil {
		return err
	}
	if err := ctx.ExecuteActivity(actCreateOrganization, org, nil); err != nil {
		return err
	}

	// The remove compensation goes on the chain before configure runs:
	// a provider that times out after writing the record still gets
	// cleaned up, and removing a record that never existed is a no-op.
	dns := dnsInput{OrganizationID: p.OrganizationID, Subdomain: p.Subdomain}
	if err := ctx.Compensate(actRemoveDNS, dns); err != nil {
		return err
	}
	if err := ctx.ExecuteActivity(actConfigureDNS, dns, nil); err != nil {
		return err
	}

	result := Result{OrganizationID: p.OrganizationID}
	var emails []emailInput
	for _, u := range p.Users {
		inv := invitationInput{
			InvitationID:   uuid.NewString(),
			OrganizationID: p.OrganizationID,
			Email:          u.Email,
			Name:           u.Name,
			Role:           u.Role,
		}
		var created invitationInput
		if err := ctx.ExecuteActivity(actCreateInvitation, inv, &created); err != nil {
			return err
		}
		if err := ctx.Compensate(actCancelInvitation, created); err != nil {
			return err
		}
		result.InvitationIDs = append(result.InvitationIDs, created.InvitationID)
		emails = append(emails, emailInput{
			InvitationID: created.InvitationID,
			Email:        created.Email,
			Name:         created.Name,
			Subdomain:    p.Subdomain,
		})
	}

	for _, em := range emails {
		if err := ctx.ExecuteActivity(actSendInvitationEmail, em, nil); err != nil {
			// Undeliverable email is a partial failure, not a rollback.
			ctx.Logger().Warn("invitation email failed",
				"workflow_id", ctx.WorkflowID(), "email", em.Email, "error", err)
			result.EmailFailures = append(result.EmailFailures, em.Email)
		}
	}

	if err := ctx.ExecuteActivity(actActivateOrganization, org, nil); err != nil {
		return err
	}
	return ctx.SetResult(result)
}

func createOrganization(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
	var in orgInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, faults.Newf(faults.Validation, "decode org input: %v", err)
	}
	data := map[string]interface{}{}
	if len(in.OrgData) > 0 {
		if err := json.Unmarshal(in.OrgData, &data); err != nil {
			return nil, faults.Newf(faults.Validation, "decode org_data: %v", err)
		}
		// A trigger without orgData round-trips as JSON null, which
		// unmarshals to a nil map.
		if data == nil {
			data = map[string]interface{}{}
		}
	}
	data["subdomain"] = in.Subdomain
	_, err := ctx.EmitEvent(eventstore.AppendRequest{
		StreamID:   in.OrganizationID,
		StreamType: "organization",
		EventType:  "organization.created",
		EventData:  data,
	})
	return nil, err
}

func configureDNS(provider DNSProvider, breaker *resilience.CircuitBreaker) engine.ActivityFn {
	return func(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
		var in dnsInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, faults.Newf(faults.Validation, "decode dns input: %v", err)
		}
		err := breaker.Execute(ctx.Context(), func(c context.Context) error {
			return provider.Configure(c, in.Subdomain, in.OrganizationID)
		})
		if err != nil {
			return nil, err
		}
		_, err = ctx.EmitEvent(eventstore.AppendRequest{
			StreamID:   in.OrganizationID,
			StreamType: "organization",
			EventType:  "dns.configured",
			EventData:  map[string]interface{}{"subdomain": in.Subdomain},
		})
		return nil, err
	}
}

// removeDNS is a semantic undo: the provider call is best-effort and the
// dns.removed event records the intent either way, so the audit trail
// shows the subdomain as released even when the provider never had it.
func removeDNS(provider DNSProvider) engine.ActivityFn {
	return func(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
		var in dnsInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, faults.Newf(faults.Validation, "decode dns input: %v", err)
		}
		if err := provider.Remove(ctx.Context(), in.Subdomain); err != nil {
			ctx.Logger().Warn("dns remove failed, recording removal anyway",
				"workflow_id", ctx.WorkflowID(), "subdomain", in.Subdomain, "error", err)
		}
		_, err := ctx.EmitEvent(eventstore.AppendRequest{
			StreamID:   in.OrganizationID,
			StreamType: "organization",
			EventType:  "dns.removed",
			EventData:  map[string]interface{}{"subdomain": in.Subdomain},
		})
		return nil, err
	}
}

func createInvitation(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
	var in invitationInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, faults.Newf(faults.Validation, "decode invitation input: %v", err)
	}
	_, err := ctx.EmitEvent(eventstore.AppendRequest{
		StreamID:   in.InvitationID,
		StreamType: "invitation",
		EventType:  "invitation.created",
		EventData: map[string]interface{}{
			"organization_id": in.OrganizationID,
			"email":           in.Email,
			"name":            in.Name,
			"role":            in.Role,
		},
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func sendInvitationEmail(mailer Mailer) engine.ActivityFn {
	return func(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
		var in emailInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, faults.Newf(faults.Validation, "decode email input: %v", err)
		}
		subject := fmt.Sprintf("You're invited to %s", in.Subdomain)
		body := fmt.Sprintf("<p>Hi %s,</p><p>Accept your invitation at https://%s.careflow.health/invitations/%s</p>",
			in.Name, in.Subdomain, in.InvitationID)
		if err := mailer.Send(ctx.Context(), in.Email, subject, body); err != nil {
			return nil, err
		}
		_, err := ctx.EmitEvent(eventstore.AppendRequest{
			StreamID:   in.InvitationID,
			StreamType: "invitation",
			EventType:  "invitation.email.sent",
			EventData:  map[string]interface{}{"email": in.Email},
		})
		return nil, err
	}
}

func activateOrganization(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
	var in orgInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, faults.Newf(faults.Validation, "decode org input: %v", err)
	}
	_, err := ctx.EmitEvent(eventstore.AppendRequest{
		StreamID:   in.OrganizationID,
		StreamType: "organization",
		EventType:  "organization.activated",
		EventData:  map[string]interface{}{"subdomain": in.Subdomain},
	})
	return nil, err
}

// Organizations get deactivated, never deleted: the event stream is the
// record and downstream systems may already reference the tenant.
func deactivateOrganization(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
	var in orgInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, faults.Newf(faults.Validation, "decode org input: %v", err)
	}
	_, err := ctx.EmitEvent(eventstore.AppendRequest{
		StreamID:   in.OrganizationID,
		StreamType: "organization",
		EventType:  "organization.deactivated",
		EventData:  map[string]interface{}{"reason": "bootstrap rolled back"},
	})
	return nil, err
}

func cancelInvitation(ctx *engine.ActivityContext, input json.RawMessage) (interface{}, error) {
	var in invitationInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, faults.Newf(faults.Validation, "decode invitation input: %v", err)
	}
	_, err := ctx.EmitEvent(eventstore.AppendRequest{
		StreamID:   in.InvitationID,
		StreamType: "invitation",
		EventType:  "invitation.cancelled",
		EventData:  map[string]interface{}{"reason": "bootstrap rolled back"},
	})
	return nil, err
}
