package app

import (
	"mosaic/gateway/internal/record"
	"mosaic/gateway/internal/upload"
)

// builtinKinds registers the composite resources the gateway serves.
// Each kind is the full parameterization one set of section editors
// consumes: field kinds, required fields, first-time-creation defaults
// and per-field upload limits. Limits are deliberately per field; the
// home page hero carries a larger cap than the standard image rule.
func builtinKinds() map[string]record.Kind {
	return map[string]record.Kind{
		"home-page": {
			Name: "home-page",
			FieldKinds: map[string]record.FieldKind{
				"hero_title":    record.FieldText,
				"hero_subtitle": record.FieldText,
				"hero_image":    record.FieldBinaryRef,
				"about_body":    record.FieldRichText,
				"services_body": record.FieldRichText,
				"video_url":     record.FieldURL,
				"promo_video":   record.FieldBinaryRef,
				"gallery_image": record.FieldBinaryRef,
				"contact_email": record.FieldText,
				"contact_phone": record.FieldText,
				"cta_label":     record.FieldText,
			},
			RequiredFields: []string{"hero_title", "about_body"},
			Defaults: map[string]string{
				"hero_title":    "Welcome",
				"hero_subtitle": "Tell visitors what you do",
				"about_body":    "<p>Introduce your organization here.</p>",
				"cta_label":     "Get in touch",
			},
			Limits: map[string]upload.Limit{
				"hero_image":    upload.ImageLimit(5 * upload.MiB),
				"gallery_image": upload.ImageLimit(4 * upload.MiB),
				"promo_video":   upload.VideoLimit(50 * upload.MiB),
			},
		},
		"opportunity-page": {
			Name: "opportunity-page",
			FieldKinds: map[string]record.FieldKind{
				"title":        record.FieldText,
				"summary":      record.FieldRichText,
				"requirements": record.FieldRichText,
				"deadline":     record.FieldText,
				"banner_image": record.FieldBinaryRef,
				"video_url":    record.FieldURL,
				"apply_label":  record.FieldText,
			},
			RequiredFields: []string{"title", "summary"},
			Defaults: map[string]string{
				"title":       "New opportunity",
				"apply_label": "Apply now",
			},
			Limits: map[string]upload.Limit{
				"banner_image": upload.ImageLimit(4 * upload.MiB),
			},
		},
	}
}
