// Package render turns a campaign template and a contact into the final
// message body: Liquid personalization, tracking pixel injection, outbound
// link rewrite through signed click URLs, and a signed unsubscribe link.
package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/fingerprint"
)

// Renderer personalizes campaign content for one recipient at a time.
// Parsed templates are cached by campaign, so a 100k-recipient send parses
// the body once.
type Renderer struct {
	engine     *liquid.Engine
	cache      sync.Map // campaignID+field -> *liquid.Template
	signingKey []byte
	baseURL    string // app base URL for tracking and unsubscribe links
}

// New creates a Renderer. baseURL is the externally reachable application
// root; signingKey is the HMAC secret shared with the tracking endpoints.
func New(baseURL, signingKey string) *Renderer {
	r := &Renderer{
		engine:     liquid.NewEngine(),
		signingKey: []byte(signingKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ email | urlencode }}
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ email | email_domain }}
	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Personalize renders the campaign subject and body for one contact and
// injects tracking. Render errors fall back to the raw template text so a
// bad placeholder never blocks a send.
func (r *Renderer) Personalize(c *domain.Campaign, contact domain.Contact) domain.Recipient {
	email := fingerprint.NormalizeEmail(contact.Email)
	ctx := r.templateContext(c, contact, email)

	subject := r.render(c.ID+":subject", c.Subject, ctx)
	body := r.render(c.ID+":html", c.HTMLContent, ctx)
	body = r.InjectTracking(body, c.ID, contact.ID, email)

	from := c.FromEmail
	if c.FromName != "" {
		from = fmt.Sprintf("%s <%s>", c.FromName, c.FromEmail)
	}

	return domain.Recipient{
		Email:      email,
		Subject:    subject,
		HTML:       body,
		From:       from,
		ReplyTo:    c.ReplyTo,
		CustomerID: contact.ID,
	}
}

func (r *Renderer) templateContext(c *domain.Campaign, contact domain.Contact, email string) map[string]interface{} {
	ctx := map[string]interface{}{
		"email":         email,
		"first_name":    contact.FirstName,
		"last_name":     contact.LastName,
		"campaign_name": c.Name,
		"subject":       c.Subject,
		"preview_text":  c.PreviewText,
	}
	for k, v := range contact.Attributes {
		if _, taken := ctx[k]; !taken {
			ctx[k] = v
		}
	}
	ctx["unsubscribe_url"] = r.UnsubscribeURL(c.ID, contact.ID, email)
	return ctx
}

// render parses and renders with per-campaign caching. Lax on errors: the
// raw template text is returned so production sends keep flowing.
func (r *Renderer) render(cacheKey, text string, ctx map[string]interface{}) string {
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(cacheKey); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(text)
		if err != nil {
			return text
		}
		r.cache.Store(cacheKey, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		return text
	}
	return out
}

// Validate parses a template string and reports syntax errors. Used by the
// send handler before a campaign is accepted.
func (r *Renderer) Validate(text string) error {
	_, err := r.engine.ParseString(text)
	return err
}

// ClearCampaign drops the cached templates for a campaign, e.g. after its
// content is edited.
func (r *Renderer) ClearCampaign(campaignID string) {
	r.cache.Delete(campaignID + ":subject")
	r.cache.Delete(campaignID + ":html")
}

// TrackingPixelURL returns the signed open-tracking pixel URL.
func (r *Renderer) TrackingPixelURL(campaignID string, customerID *string, email string) string {
	data := fmt.Sprintf("%s|%s|%s", campaignID, deref(customerID), email)
	return fmt.Sprintf("%s/track/open/%s/%s", r.baseURL, encode(data), r.sign(data))
}

// ClickURL wraps an outbound link in the signed click-tracking redirect.
func (r *Renderer) ClickURL(campaignID string, customerID *string, email, originalURL string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", campaignID, deref(customerID), email, originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s", r.baseURL, encode(data), r.sign(data))
}

// UnsubscribeURL returns the signed unsubscribe link bound to
// (customer, email, campaign).
func (r *Renderer) UnsubscribeURL(campaignID string, customerID *string, email string) string {
	data := fmt.Sprintf("%s|%s|%s", campaignID, deref(customerID), email)
	return fmt.Sprintf("%s/track/unsubscribe/%s/%s", r.baseURL, encode(data), r.sign(data))
}

// Verify checks a signature produced by this renderer's signing key. The
// tracking endpoints use the same scheme on the receiving side.
func (r *Renderer) Verify(encoded, signature string) (string, bool) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	data := string(raw)
	return data, hmac.Equal([]byte(r.sign(data)), []byte(signature))
}

func (r *Renderer) sign(data string) string {
	h := hmac.New(sha256.New, r.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func encode(data string) string {
	return base64.URLEncoding.EncodeToString([]byte(data))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// InjectTracking inserts the open-tracking pixel before </body> (appending
// when the template has no body tag) and rewrites every absolute href
// through the click-tracking redirect. Links already pointing at /track/
// paths are left alone.
func (r *Renderer) InjectTracking(body, campaignID string, customerID *string, email string) string {
	body = r.rewriteLinks(body, campaignID, customerID, email)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		r.TrackingPixelURL(campaignID, customerID, email))
	if strings.Contains(body, "</body>") {
		return strings.Replace(body, "</body>", pixel+"</body>", 1)
	}
	return body + pixel
}

func (r *Renderer) rewriteLinks(body, campaignID string, customerID *string, email string) string {
	var out strings.Builder
	rest := body
	for {
		i := strings.Index(rest, `href="http`)
		if i == -1 {
			break
		}
		start := i + len(`href="`)
		end := strings.Index(rest[start:], `"`)
		if end == -1 {
			break
		}

		original := rest[start : start+end]
		out.WriteString(rest[:start])
		if strings.Contains(original, "/track/") {
			out.WriteString(original)
		} else {
			out.WriteString(r.ClickURL(campaignID, customerID, email, original))
		}
		rest = rest[start+end:]
	}
	out.WriteString(rest)
	return out.String()
}
