package pipeline

import (
	"strconv"
	"strings"

	"github.com/jholhewres/wabridge/pkg/wabridge/ratelimit"
)

// Replies are the chat messages sent back to guests. Templates may use
// {limit}, {window} and {minutes} (RateLimited) and {reason} (Rejected).
type Replies struct {
	NoEvent       string `yaml:"no_event"`
	Misconfigured string `yaml:"misconfigured"`
	RateLimited   string `yaml:"rate_limited"`
	Accepted      string `yaml:"accepted"`
	Rejected      string `yaml:"rejected"`
	InternalError string `yaml:"internal_error"`
	Published     string `yaml:"published"`
	PendingReview string `yaml:"pending_review"`
	MessageError  string `yaml:"message_error"`

	// Reasons shown through {reason}.
	TooLarge     string `yaml:"too_large"`
	InvalidImage string `yaml:"invalid_image"`
}

// DefaultReplies returns the Spanish product texts.
func DefaultReplies() Replies {
	return Replies{
		NoEvent:       "❌ Lo siento, no hay ningún evento activo en este momento para recibir fotos.",
		Misconfigured: "❌ El evento no está configurado correctamente. Por favor, avisa al organizador.",
		RateLimited:   "⏳ Has alcanzado el límite de envío ({limit} fotos cada {window} min). Por favor, intenta de nuevo en {minutes} min.",
		Accepted:      "✅ ¡Tu foto ha sido recibida y se mostrará en la galería! Gracias por compartir.",
		Rejected:      "❌ Hubo un problema al procesar tu imagen: {reason}",
		InternalError: "❌ Error interno al recibir la imagen.",
		Published:     "✅ ¡Gracias! Tu mensaje ya se muestra en el muro del evento.",
		PendingReview: "📝 ¡Gracias! Tu mensaje será revisado antes de publicarse.",
		MessageError:  "❌ Error interno al recibir tu mensaje.",
		TooLarge:      "la imagen supera el tamaño máximo permitido.",
		InvalidImage:  "solo se aceptan imágenes JPG, PNG, GIF o WEBP.",
	}
}

// withDefaults fills empty templates from DefaultReplies.
func (r Replies) withDefaults() Replies {
	def := DefaultReplies()
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&r.NoEvent, def.NoEvent)
	fill(&r.Misconfigured, def.Misconfigured)
	fill(&r.RateLimited, def.RateLimited)
	fill(&r.Accepted, def.Accepted)
	fill(&r.Rejected, def.Rejected)
	fill(&r.InternalError, def.InternalError)
	fill(&r.Published, def.Published)
	fill(&r.PendingReview, def.PendingReview)
	fill(&r.MessageError, def.MessageError)
	fill(&r.TooLarge, def.TooLarge)
	fill(&r.InvalidImage, def.InvalidImage)
	return r
}

func (r Replies) rateLimited(cfg ratelimit.Config, d ratelimit.Decision) string {
	return strings.NewReplacer(
		"{limit}", strconv.Itoa(cfg.Limit),
		"{window}", strconv.Itoa(int(cfg.Window.Minutes())),
		"{minutes}", strconv.Itoa(d.RetryMinutes()),
	).Replace(r.RateLimited)
}

func (r Replies) rejected(reason string) string {
	return strings.ReplaceAll(r.Rejected, "{reason}", reason)
}

// SenderAlias is the gallery caption for a WhatsApp guest: the last four
// digits of the phone number.
func SenderAlias(phone string) string {
	if len(phone) > 4 {
		phone = phone[len(phone)-4:]
	}
	return "WhatsApp (…" + phone + ")"
}
