package app

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const confirmationTemplate = "confirmation.html.tmpl"

// Renderer turns an order payload into the confirmation email body.
// Fields the template names but the order lacks are rendering failures.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New(confirmationTemplate).
		Option("missingkey=error").
		Funcs(template.FuncMap{"money": formatMoney}).
		ParseFS(templateFS, "templates/"+confirmationTemplate)
	if err != nil {
		return nil, fmt.Errorf("renderer: parse templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the confirmation template against order.
func (r *Renderer) Render(order map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, confirmationTemplate, order); err != nil {
		return "", fmt.Errorf("%w: %v", entity.ErrRenderingFailure, err)
	}
	return buf.String(), nil
}

// formatMoney renders a {currency_code, units, nanos} money object. Absent
// units or nanos count as zero; present ones must be numbers.
func formatMoney(v any) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("money: expected object, got %T", v)
	}
	code, ok := m["currency_code"].(string)
	if !ok || code == "" {
		return "", fmt.Errorf("money: currency_code must be a non-empty string, got %v", m["currency_code"])
	}
	units, err := moneyPart(m, "units")
	if err != nil {
		return "", err
	}
	nanos, err := moneyPart(m, "nanos")
	if err != nil {
		return "", err
	}
	amount := units + nanos/1e9
	return fmt.Sprintf("%.2f %s", math.Round(amount*100)/100, code), nil
}

func moneyPart(m map[string]any, key string) (float64, error) {
	raw, present := m[key]
	if !present {
		return 0, nil
	}
	n, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("money: %s must be a number, got %T", key, raw)
	}
	return n, nil
}
