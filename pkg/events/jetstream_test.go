package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJetStreamSubjectMapping(t *testing.T) {
	b := &JetStreamBroker{subjectPrefix: defaultSubjectPrefix}

	assert.Equal(t, "remsy.exceptions.EX-1", b.subjectFor(TopicExceptions, "EX-1"))
	assert.Equal(t, "remsy.exceptions.triaged.EX-1", b.subjectFor(TopicTriaged, "EX-1"))
	assert.Equal(t, "remsy.exceptions.*", b.filterFor(TopicExceptions))
	assert.Equal(t, "remsy.exceptions.triaged.*", b.filterFor(TopicTriaged))

	// The ingest filter matches exactly three tokens, so triaged subjects
	// (four tokens) never leak onto it even though the topic names share a
	// prefix.
	triaged := b.subjectFor(TopicTriaged, "EX-1")
	assert.Equal(t, 4, len(strings.Split(triaged, ".")))
	assert.Equal(t, 3, len(strings.Split(b.subjectFor(TopicExceptions, "EX-1"), ".")))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "EX-1", token("EX-1"))
	assert.Equal(t, "EX_1_b", token("EX.1 b"))
	assert.Equal(t, "unkeyed", token(""))
}
