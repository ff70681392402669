// Package log provides Aegis's structured logging: a zerolog wrapper with
// a global Logger, Init(Config) for level/format selection, and
// scoped child loggers (WithComponent, WithInstance, WithRunSpec,
// WithOffer, WithAgent, WithFencingToken). WithComponent is used by the
// authority, reconciler, tracker, leadership gate, crash strategy, and
// broker packages; the journal does not log. Same shape as
// cuemby-warren's pkg/log, with the WithNodeID/WithServiceID/WithTaskID
// helpers renamed to this domain's RunSpec/Instance/Offer vocabulary.
package log
