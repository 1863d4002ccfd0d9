// Package registration implements the SIP registrar (REGISTER handling).
package registration

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sonara/pbx/internal/sip/location"
)

// StatusIntervalTooBrief is SIP status 423 per RFC 3261, sent when the
// requested registration expires is below the registrar minimum.
const StatusIntervalTooBrief sip.StatusCode = 423

// Handler handles REGISTER requests
type Handler struct {
	locationStore *location.Store
	realm         string
}

// NewHandler creates a new registration handler
func NewHandler(locationStore *location.Store, realm string) *Handler {
	return &Handler{
		locationStore: locationStore,
		realm:         realm,
	}
}

// HandleRegister processes a REGISTER request
func (h *Handler) HandleRegister(req *sip.Request, tx sip.ServerTransaction) error {
	slog.Debug("[Register] Processing", "from", req.Source())

	toHeader := req.To()
	if toHeader == nil {
		return h.sendResponse(tx, req, sip.StatusBadRequest, "Missing To header")
	}
	aor := toHeader.Address.String()

	// Source address info for NAT handling
	receivedIP, receivedPort := parseSourceAddr(req.Source())

	transport := "UDP"
	if via := req.Via(); via != nil {
		if t := via.Transport; t != "" {
			transport = strings.ToUpper(t)
		}
	}

	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	var cseq uint32
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}

	userAgent := ""
	if uaHdr := req.GetHeader("User-Agent"); uaHdr != nil {
		userAgent = uaHdr.Value()
	}

	contacts := req.GetHeaders("Contact")

	// RFC 3261 Section 10.3 Step 6: Contact: * must be alone and Expires 0.
	hasWildcard := false
	for _, contactHdr := range contacts {
		if contact, ok := contactHdr.(*sip.ContactHeader); ok {
			if contact.Address.String() == "*" {
				hasWildcard = true
				break
			}
		}
	}

	if hasWildcard {
		if len(contacts) > 1 {
			return h.sendResponse(tx, req, sip.StatusBadRequest,
				"Contact: * must not be combined with other Contact headers")
		}
		if expires := h.getExpires(req, nil); expires != 0 {
			return h.sendResponse(tx, req, sip.StatusBadRequest, "Expires must be 0 for Contact: *")
		}
		if err := h.locationStore.Unregister(aor, "", true); err != nil {
			slog.Debug("[Register] Wildcard unregister failed", "error", err)
		}
		return h.sendResponse(tx, req, sip.StatusOK, "OK")
	}

	// No contacts = query (return current bindings)
	if len(contacts) == 0 {
		return h.sendOKWithBindings(tx, req, aor)
	}

	for _, contactHdr := range contacts {
		contact, ok := contactHdr.(*sip.ContactHeader)
		if !ok {
			continue
		}

		contactURI := contact.Address.String()
		expires := h.getExpires(req, contact)

		// Expires: 0 = unregister this contact
		if expires == 0 {
			bindingID := location.GenerateBindingID(contactURI, h.extractInstanceID(contact))
			if err := h.locationStore.Unregister(aor, bindingID, false); err != nil {
				slog.Debug("[Register] Unregister failed", "error", err)
			}
			continue
		}

		binding := &location.Binding{
			AOR:          aor,
			ContactURI:   contactURI,
			ReceivedIP:   receivedIP,
			ReceivedPort: receivedPort,
			Transport:    transport,
			InstanceID:   h.extractInstanceID(contact),
			QValue:       h.extractQValue(contact),
			Expires:      expires,
			CallID:       callID,
			CSeq:         cseq,
			UserAgent:    userAgent,
		}

		if _, err := h.locationStore.Register(binding); err != nil {
			if errors.Is(err, location.ErrIntervalTooBrief) {
				return h.sendIntervalTooBrief(tx, req)
			}
			slog.Error("[Register] Registration failed", "error", err, "aor", aor)
			return h.sendResponse(tx, req, sip.StatusBadRequest, err.Error())
		}
	}

	return h.sendOKWithBindings(tx, req, aor)
}

// getExpires extracts expiration time from request.
// Priority: Contact param > Expires header > default (3600).
func (h *Handler) getExpires(req *sip.Request, contact *sip.ContactHeader) int {
	if contact != nil && contact.Params != nil {
		if expiresStr, ok := contact.Params.Get("expires"); ok {
			if expires, err := strconv.Atoi(expiresStr); err == nil {
				return expires
			}
		}
	}
	if expiresHdr := req.GetHeader("Expires"); expiresHdr != nil {
		if expires, err := strconv.Atoi(expiresHdr.Value()); err == nil {
			return expires
		}
	}
	return 3600
}

// extractInstanceID extracts +sip.instance from Contact params
func (h *Handler) extractInstanceID(contact *sip.ContactHeader) string {
	if contact == nil || contact.Params == nil {
		return ""
	}
	if instance, ok := contact.Params.Get("+sip.instance"); ok {
		return strings.Trim(instance, "<>\"")
	}
	return ""
}

// extractQValue extracts q parameter from Contact
func (h *Handler) extractQValue(contact *sip.ContactHeader) float32 {
	if contact == nil || contact.Params == nil {
		return 0
	}
	if qStr, ok := contact.Params.Get("q"); ok {
		if q, err := strconv.ParseFloat(qStr, 32); err == nil {
			return float32(q)
		}
	}
	return 0
}

func (h *Handler) sendResponse(tx sip.ServerTransaction, req *sip.Request, statusCode sip.StatusCode, reason string) error {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	h.addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Register] Failed to send response", "error", err)
		return err
	}
	return nil
}

// sendIntervalTooBrief sends 423 with the Min-Expires header required
// by RFC 3261 Section 10.3.
func (h *Handler) sendIntervalTooBrief(tx sip.ServerTransaction, req *sip.Request) error {
	res := sip.NewResponseFromRequest(req, StatusIntervalTooBrief, "Interval Too Brief", nil)
	h.addViaParams(res, req)
	res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(h.locationStore.MinExpires())))
	if err := tx.Respond(res); err != nil {
		slog.Error("[Register] Failed to send 423 response", "error", err)
		return err
	}
	slog.Debug("[Register] Sent 423 Interval Too Brief", "min_expires", h.locationStore.MinExpires())
	return nil
}

// sendOKWithBindings sends 200 OK listing the AOR's current bindings
func (h *Handler) sendOKWithBindings(tx sip.ServerTransaction, req *sip.Request, aor string) error {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	h.addViaParams(res, req)
	res.AppendHeader(sip.NewHeader("Date", time.Now().UTC().Format(time.RFC1123)))

	bindings := h.locationStore.Lookup(aor)
	for _, b := range bindings {
		h.addContactHeader(res, b)
	}

	if err := tx.Respond(res); err != nil {
		slog.Error("[Register] Failed to send OK response", "error", err)
		return err
	}
	slog.Info("[Register] Success", "aor", aor, "bindings", len(bindings))
	return nil
}

func (h *Handler) addContactHeader(res *sip.Response, b *location.Binding) {
	var uri sip.Uri
	if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
		slog.Debug("[Register] Failed to parse contact URI", "uri", b.ContactURI, "error", err)
		return
	}
	contactHdr := &sip.ContactHeader{
		Address: uri,
		Params:  sip.NewParams(),
	}
	contactHdr.Params.Add("expires", fmt.Sprintf("%d", b.Expires))
	res.AppendHeader(contactHdr)
}

// addViaParams adds received and rport to the Via header per RFC 3581
// so responses route back through the actual source (NAT traversal).
func (h *Handler) addViaParams(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}
	receivedIP, receivedPort := parseSourceAddr(req.Source())
	if receivedIP == "" {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", receivedIP)
	if receivedPort > 0 {
		via.Params.Add("rport", strconv.Itoa(receivedPort))
	}
}

// parseSourceAddr parses a host:port source into IP and port
func parseSourceAddr(source string) (string, int) {
	if source == "" {
		return "", 0
	}
	// IPv6 in brackets
	if strings.HasPrefix(source, "[") {
		idx := strings.LastIndex(source, "]:")
		if idx > 0 {
			if port, err := strconv.Atoi(source[idx+2:]); err == nil {
				return source[1:idx], port
			}
		}
		return source, 0
	}
	parts := strings.Split(source, ":")
	if len(parts) == 2 {
		if port, err := strconv.Atoi(parts[1]); err == nil {
			return parts[0], port
		}
	}
	return source, 0
}
