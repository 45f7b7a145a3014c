// Package embeddings provides embedding generation for queries and
// ticket documents.
//
// Two providers are supported: any OpenAI-compatible /v1/embeddings
// endpoint, and text-embeddings-inference (TEI). The client validates
// inputs, enforces the configured dimension, and retries transient
// provider failures with capped exponential backoff and full jitter.
package embeddings
