package contract

import (
	"fmt"
	"strings"
)

// PendingSignature is the placeholder rendered for signature fields that are
// not yet known.
const PendingSignature = "(pending signature)"

// Party describes one side of an agreement for rendering purposes.
type Party struct {
	Name    string
	Address string
	Contact string
}

// Signature is the captured signing metadata for one party.
type Signature struct {
	Role     string
	SignedAt string
	Address  string
}

// Variables is the fixed named set feeding the document template. Rendering is
// a pure function of this struct: the same inputs always produce byte-identical
// text, which is what makes the frozen snapshot reproducible for previews.
type Variables struct {
	ContractID   string
	Date         string
	Title        string
	PartyA       Party
	PartyB       Party
	Mission      string
	Description  string
	Deliverables string
	Deadline     string
	Revisions    int
	Amount       float64
	PaymentTerms string
	SignatureA   *Signature
	SignatureB   *Signature
}

// Render produces the agreement text. Callable before persistence for draft
// previews; unknown signature fields render as the pending placeholder.
func Render(v Variables) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", strings.ToUpper(v.Title))
	fmt.Fprintf(&b, "Reference: %s\n", orPlaceholder(v.ContractID, "(draft)"))
	fmt.Fprintf(&b, "Date: %s\n\n", v.Date)

	fmt.Fprintf(&b, "Between:\n")
	writeParty(&b, v.PartyA)
	fmt.Fprintf(&b, "And:\n")
	writeParty(&b, v.PartyB)

	fmt.Fprintf(&b, "Mission: %s\n", v.Mission)
	if v.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", v.Description)
	}
	fmt.Fprintf(&b, "Deliverables: %s\n", orPlaceholder(v.Deliverables, "as agreed between the parties"))
	fmt.Fprintf(&b, "Delivery deadline: %s\n", orPlaceholder(v.Deadline, "to be confirmed"))
	fmt.Fprintf(&b, "Included revisions: %d\n", v.Revisions)
	fmt.Fprintf(&b, "Remuneration: %.2f EUR\n", v.Amount)
	fmt.Fprintf(&b, "Payment terms: %s\n\n", v.PaymentTerms)

	fmt.Fprintf(&b, "Signatures:\n")
	writeSignature(&b, v.PartyA.Name, v.SignatureA)
	writeSignature(&b, v.PartyB.Name, v.SignatureB)
	return b.String()
}

func writeParty(b *strings.Builder, p Party) {
	fmt.Fprintf(b, "  %s\n", p.Name)
	if p.Address != "" {
		fmt.Fprintf(b, "  %s\n", p.Address)
	}
	if p.Contact != "" {
		fmt.Fprintf(b, "  %s\n", p.Contact)
	}
	b.WriteString("\n")
}

func writeSignature(b *strings.Builder, name string, s *Signature) {
	if s == nil {
		fmt.Fprintf(b, "  %s: %s\n", name, PendingSignature)
		return
	}
	fmt.Fprintf(b, "  %s (%s): signed %s from %s\n", name, s.Role, s.SignedAt, s.Address)
}

func orPlaceholder(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}
