// Package i18n localizes user-facing API messages. The English text is the
// message key; a missing translation falls back to it.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var supported = []language.Tag{
	language.English,
	language.Spanish,
	language.German,
}

var translations = map[string]map[language.Tag]string{
	"invalid email or password": {
		language.Spanish: "correo electrónico o contraseña no válidos",
		language.German:  "ungültige E-Mail-Adresse oder ungültiges Passwort",
	},
	"account is temporarily locked": {
		language.Spanish: "la cuenta está bloqueada temporalmente",
		language.German:  "das Konto ist vorübergehend gesperrt",
	},
	"too many requests": {
		language.Spanish: "demasiadas solicitudes",
		language.German:  "zu viele Anfragen",
	},
	"session expired, please log in again": {
		language.Spanish: "la sesión ha caducado, vuelve a iniciar sesión",
		language.German:  "Sitzung abgelaufen, bitte erneut anmelden",
	},
	"authentication required": {
		language.Spanish: "se requiere autenticación",
		language.German:  "Anmeldung erforderlich",
	},
	"you do not have permission to perform this action": {
		language.Spanish: "no tienes permiso para realizar esta acción",
		language.German:  "keine Berechtigung für diese Aktion",
	},
	"password does not meet the strength policy": {
		language.Spanish: "la contraseña no cumple la política de seguridad",
		language.German:  "das Passwort erfüllt die Sicherheitsrichtlinie nicht",
	},
	"invalid request body": {
		language.Spanish: "cuerpo de la solicitud no válido",
		language.German:  "ungültiger Anfrageinhalt",
	},
	"request validation failed": {
		language.Spanish: "la validación de la solicitud falló",
		language.German:  "Validierung der Anfrage fehlgeschlagen",
	},
	"an account with this email already exists": {
		language.Spanish: "ya existe una cuenta con este correo electrónico",
		language.German:  "für diese E-Mail-Adresse existiert bereits ein Konto",
	},
	"if an account exists for that address, a reset link has been sent": {
		language.Spanish: "si existe una cuenta con esa dirección, se ha enviado un enlace de restablecimiento",
		language.German:  "falls ein Konto mit dieser Adresse existiert, wurde ein Link zum Zurücksetzen gesendet",
	},
	"unexpected server error": {
		language.Spanish: "error inesperado del servidor",
		language.German:  "unerwarteter Serverfehler",
	},
}

type Localizer struct {
	catalog *catalog.Builder
	matcher language.Matcher
}

func New() *Localizer {
	builder := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, byTag := range translations {
		_ = builder.SetString(language.English, key, key)
		for tag, text := range byTag {
			_ = builder.SetString(tag, key, text)
		}
	}

	return &Localizer{
		catalog: builder,
		matcher: language.NewMatcher(supported),
	}
}

// Match picks the best supported language for an Accept-Language header.
// Malformed or empty headers select English.
func (l *Localizer) Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, index, confidence := l.matcher.Match(tags...)
	if confidence == language.No {
		return language.English
	}
	return supported[index]
}

// Translate returns msg in tag's language, or msg itself when no
// translation exists.
func (l *Localizer) Translate(tag language.Tag, msg string) string {
	printer := message.NewPrinter(tag, message.Catalog(l.catalog))
	return printer.Sprintf(message.Key(msg, msg))
}
