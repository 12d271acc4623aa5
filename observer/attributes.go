package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for chatvault observability spans and metrics.
var (
	AttrEmbedModel      = attribute.Key("embedding.model")
	AttrEmbedProvider   = attribute.Key("embedding.provider")
	AttrEmbedTextCount  = attribute.Key("embedding.text_count")
	AttrEmbedDimensions = attribute.Key("embedding.dimensions")

	AttrSearchMode    = attribute.Key("search.mode")
	AttrSearchResults = attribute.Key("search.results")

	AttrImportFormat   = attribute.Key("import.format")
	AttrImportImported = attribute.Key("import.imported")
	AttrImportSkipped  = attribute.Key("import.skipped")
	AttrImportFailed   = attribute.Key("import.failed")

	AttrJobKind = attribute.Key("job.kind")
)
