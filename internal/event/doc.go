/*
Package event carries session lifecycle and transcript notifications from the
session registry to its observers.

The bus is a thin layer over watermill's gochannel pub/sub. Events are encoded
as JSON watermill messages on a single topic and decoded again for each
subscriber, so a subscriber sees a private copy of every event.

# Event Types

Session Events:
  - session.created: a new session was created
  - session.updated: title or run handle changed
  - session.switched: the active session changed
  - session.deleted: a session and its remote resources were released

Run Events:
  - run.started: a run began streaming for a session
  - run.finished: a run reached a terminal state (see Event.State)
  - run.error: a run failed; Event.Error holds the message

Transcript Events:
  - transcript.updated: a stream event changed a session's transcript

# Ordering

Delivery to one subscriber follows publish order. Publish blocks until every
current subscriber has taken the event, so a subscriber that stops reading
must cancel its context.
*/
package event
