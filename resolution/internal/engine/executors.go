package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/clients/contact"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

type ShipmentStore interface {
	GetByID(ctx context.Context, tenantID uuid.UUID, shipmentID uuid.UUID) (models.Shipment, error)
}

// VoiceChannel and MessageChannel mirror the contact client surface so
// tests can stub the transport.
type VoiceChannel interface {
	PlaceCall(ctx context.Context, req contact.CallRequest) (contact.CallResponse, error)
}

type MessageChannel interface {
	SendTemplate(ctx context.Context, req contact.MessageRequest) (contact.MessageResponse, error)
}

type CarrierChannel interface {
	ScheduleReattempt(ctx context.Context, req carrier.ReattemptRequest) (carrier.ReattemptResponse, error)
}

// AddressLinkIssuer mints the single-use address correction link.
type AddressLinkIssuer interface {
	IssueLink(ctx context.Context, fe models.FailureEvent) (string, error)
}

// ContactExecutor places an IVR call. A connected call where the customer
// confirms delivery detail resolves the case on the spot.
type ContactExecutor struct {
	Shipments ShipmentStore
	Voice     VoiceChannel
}

func (x *ContactExecutor) Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error) {
	shipment, err := x.Shipments.GetByID(ctx, fe.TenantID, fe.ShipmentID)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(shipment.CustomerPhone) == "" {
		return Outcome{}, Permanent(errors.New("shipment has no customer phone"))
	}

	script := action.Config["script"]
	if script == "" {
		script = "delivery_failed_default"
	}
	resp, err := x.Voice.PlaceCall(ctx, contact.CallRequest{
		TenantID:   fe.TenantID.String(),
		ShipmentID: fe.ShipmentID.String(),
		Phone:      shipment.CustomerPhone,
		Script:     script,
		Language:   action.Config["language"],
	})
	if err != nil {
		return Outcome{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "confirmed", "resolved":
		return Outcome{Resolved: true, Note: "customer confirmed on call " + resp.CallID}, nil
	case "invalid_number":
		return Outcome{}, Permanent(errors.New("channel reported invalid phone number"))
	default:
		return Outcome{Note: "call " + resp.CallID + " status " + resp.Status}, nil
	}
}

// MessageExecutor sends a templated notification. Delivery alone never
// resolves the case; a customer reply comes back through other surfaces.
type MessageExecutor struct {
	Shipments  ShipmentStore
	Messages   MessageChannel
	TemplateID string
}

func (x *MessageExecutor) Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error) {
	shipment, err := x.Shipments.GetByID(ctx, fe.TenantID, fe.ShipmentID)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(shipment.CustomerPhone) == "" {
		return Outcome{}, Permanent(errors.New("shipment has no customer phone"))
	}

	templateID := action.Config["template_id"]
	if templateID == "" {
		templateID = x.TemplateID
	}
	resp, err := x.Messages.SendTemplate(ctx, contact.MessageRequest{
		TenantID:   fe.TenantID.String(),
		ShipmentID: fe.ShipmentID.String(),
		Phone:      shipment.CustomerPhone,
		TemplateID: templateID,
		Params: map[string]string{
			"tracking_id":   shipment.TrackingID,
			"customer_name": shipment.CustomerName,
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Note: "message " + resp.MessageID + " " + resp.Status}, nil
}

// AddressUpdateExecutor issues a single-use correction link and messages it
// to the customer. Resolution happens later, when the public endpoint
// consumes the token.
type AddressUpdateExecutor struct {
	Shipments  ShipmentStore
	Messages   MessageChannel
	Issuer     AddressLinkIssuer
	TemplateID string
}

func (x *AddressUpdateExecutor) Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error) {
	shipment, err := x.Shipments.GetByID(ctx, fe.TenantID, fe.ShipmentID)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(shipment.CustomerPhone) == "" {
		return Outcome{}, Permanent(errors.New("shipment has no customer phone"))
	}

	link, err := x.Issuer.IssueLink(ctx, fe)
	if err != nil {
		return Outcome{}, err
	}

	templateID := action.Config["template_id"]
	if templateID == "" {
		templateID = x.TemplateID
	}
	resp, err := x.Messages.SendTemplate(ctx, contact.MessageRequest{
		TenantID:   fe.TenantID.String(),
		ShipmentID: fe.ShipmentID.String(),
		Phone:      shipment.CustomerPhone,
		TemplateID: templateID,
		Params: map[string]string{
			"tracking_id": shipment.TrackingID,
			"update_link": link,
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Note: "address update link sent, message " + resp.MessageID}, nil
}

// ReattemptExecutor asks the carrier for another delivery attempt using the
// current (possibly corrected) address.
type ReattemptExecutor struct {
	Shipments ShipmentStore
	Carrier   CarrierChannel
}

func (x *ReattemptExecutor) Execute(ctx context.Context, fe models.FailureEvent, action models.WorkflowAction) (Outcome, error) {
	shipment, err := x.Shipments.GetByID(ctx, fe.TenantID, fe.ShipmentID)
	if err != nil {
		return Outcome{}, err
	}

	resp, err := x.Carrier.ScheduleReattempt(ctx, carrier.ReattemptRequest{
		ShipmentID:   fe.ShipmentID.String(),
		TrackingID:   shipment.TrackingID,
		Carrier:      shipment.Carrier,
		Address:      shipment.DeliveryAddress,
		Instructions: action.Config["instructions"],
	})
	if err != nil {
		if errors.Is(err, carrier.ErrRejected) {
			return Outcome{}, Permanent(err)
		}
		return Outcome{}, err
	}
	if !resp.Scheduled {
		return Outcome{Note: "carrier declined reattempt " + resp.ReferenceID}, nil
	}
	return Outcome{Note: fmt.Sprintf("reattempt scheduled, carrier ref %s", resp.ReferenceID)}, nil
}
