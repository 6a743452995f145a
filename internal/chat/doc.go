// Package chat defines the conversation data model shared by the
// orchestrator, the agents and the HTTP transport: chat messages, the
// topic context that rides along in history, grammar corrections, the
// learner profile and the retrieved long-term context.
//
// Topic continuity is client-held. When a thread first gets an article,
// the orchestrator emits a system [Message] whose Topic field carries
// the [TopicContext]; its Text repeats the topic behind the
// [TopicSentinel] prefix so clients that only echo text still round-trip
// it. [FindTopic] accepts either form.
package chat
