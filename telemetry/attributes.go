package telemetry

import "go.opentelemetry.io/otel/attribute"

func attrSource(name string) attribute.KeyValue  { return attribute.String("source", name) }
func attrHandler(name string) attribute.KeyValue { return attribute.String("handler", name) }
func attrReason(name string) attribute.KeyValue  { return attribute.String("reason", name) }
func attrQueue(name string) attribute.KeyValue   { return attribute.String("queue", name) }
func attrPool(name string) attribute.KeyValue    { return attribute.String("pool", name) }
