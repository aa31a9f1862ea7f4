package config

import (
	"fmt"
	"time"

	"github.com/openidsync/openidsync/pkg/engine"
)

// Document is the root of a configuration file.
type Document struct {
	Resources  []ResourceDoc  `yaml:"resources" validate:"required,min=1,dive"`
	VirSchemas []VirSchemaDoc `yaml:"vir_schemas" validate:"dive"`
}

// ResourceDoc declares one external resource. The propagation timeout is a
// Go duration string such as "30s".
type ResourceDoc struct {
	Key                string         `yaml:"key" validate:"required"`
	Connector          ConnectorDoc   `yaml:"connector" validate:"required"`
	Provisions         []ProvisionDoc `yaml:"provisions" validate:"required,min=1,dive"`
	PropagationTimeout string         `yaml:"propagation_timeout"`
}

// ConnectorDoc declares the connector bundle reaching a resource.
type ConnectorDoc struct {
	Bundle  string            `yaml:"bundle" validate:"required"`
	Options map[string]string `yaml:"options"`
}

// ProvisionDoc declares per-kind handling on one resource.
type ProvisionDoc struct {
	Kind        string           `yaml:"kind" validate:"required,oneof=USER GROUP ANY_OBJECT"`
	ObjectClass string           `yaml:"object_class" validate:"required"`
	Mapping     []MappingItemDoc `yaml:"mapping" validate:"required,min=1,dive"`
}

// MappingItemDoc declares one internal/external attribute link.
type MappingItemDoc struct {
	IntAttrName   string `yaml:"int_attr_name" validate:"required"`
	IntAttrType   string `yaml:"int_attr_type" validate:"required,oneof=plain derived virtual"`
	ExtAttrName   string `yaml:"ext_attr_name" validate:"required"`
	Purpose       string `yaml:"purpose" validate:"required,oneof=PROPAGATION SYNCHRONIZATION BOTH NONE"`
	ConnObjectKey bool   `yaml:"conn_object_key"`
}

// VirSchemaDoc declares one virtual attribute schema.
type VirSchemaDoc struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"required,oneof=USER GROUP ANY_OBJECT"`
	ReadOnly bool   `yaml:"read_only"`
}

// toResource converts a resource declaration into its engine form.
func (d *ResourceDoc) toResource() (*engine.ExternalResource, error) {
	resource := &engine.ExternalResource{
		Key: d.Key,
		Connector: engine.ConnectorConfig{
			Bundle:  d.Connector.Bundle,
			Options: d.Connector.Options,
		},
	}
	if d.PropagationTimeout != "" {
		timeout, err := time.ParseDuration(d.PropagationTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid propagation_timeout for resource %s: %w", d.Key, err)
		}
		resource.PropagationTimeout = timeout
	}
	for _, p := range d.Provisions {
		provision := engine.Provision{
			Kind:        engine.EntityKind(p.Kind),
			ObjectClass: p.ObjectClass,
		}
		for _, item := range p.Mapping {
			provision.Mapping.Items = append(provision.Mapping.Items, engine.MappingItem{
				IntAttrName:   item.IntAttrName,
				IntAttrType:   engine.IntAttrType(item.IntAttrType),
				ExtAttrName:   item.ExtAttrName,
				Purpose:       engine.MappingPurpose(item.Purpose),
				ConnObjectKey: item.ConnObjectKey,
			})
		}
		resource.Provisions = append(resource.Provisions, provision)
	}
	return resource, nil
}

// toSchema converts a virtual schema declaration into its engine form.
func (d *VirSchemaDoc) toSchema() *engine.VirSchema {
	return &engine.VirSchema{
		Name:     d.Name,
		Kind:     engine.EntityKind(d.Kind),
		ReadOnly: d.ReadOnly,
	}
}
