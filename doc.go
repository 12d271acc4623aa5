// Package chatvault is a personal chat-archive search and retrieval engine.
//
// It ingests exported conversations from LLM products (ChatGPT, Claude,
// OpenWebUI), Word/PDF transcripts, and YouTube watch history, normalizes
// them into a uniform message model, and persists them behind the Store
// interface with full-text, trigram, and vector indexes. Embeddings are
// materialised lazily by a durable job queue with concurrent worker leases,
// so messages are searchable lexically the moment they are imported and
// semantically once the worker catches up.
//
// The package is organised the same way the data flows:
//
//	extract    — format auto-detection and per-format extractors
//	ingest     — transactional importer with duplicate detection
//	store/...  — PostgreSQL (pgvector + tsvector + pg_trgm) and pure-Go SQLite stores
//	worker     — batched embedding worker pool and lease reclaimer
//	provider/… — embedding providers (Gemini, OpenAI-compatible)
//	observer   — OpenTelemetry instrumentation
//
// The root package holds the domain types, the Store and JobQueue contracts,
// the SearchService (FTS / vector / hybrid fusion), and the
// ContextualRetriever that expands search hits into token-budgeted
// conversation windows for RAG prompts.
package chatvault
