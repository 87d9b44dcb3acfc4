// Package embeddings maps text to fixed-length vectors.
//
// The embedding model is an external capability. This package provides thin
// adapters (TEI over HTTP, OpenAI-compatible APIs through langchaingo and a
// local feature-hashing embedder) and a Resilient wrapper that bounds
// concurrency, rate, per-call latency and retries.
package embeddings
