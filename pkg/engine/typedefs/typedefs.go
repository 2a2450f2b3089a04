// Package typedefs caches instance-type capacity definitions
// process-wide. The refresher rebuilds the whole map off to the side and
// swaps it under the write lock, so readers never see a half-built map.
package typedefs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/meterwise/cloudmeter/pkg/model"
)

// Cache holds definitions keyed by (cloud_type, instance_type).
type Cache struct {
	mu   sync.RWMutex
	defs map[string]model.InstanceTypeDefinition
}

func key(cloud model.CloudType, instanceType string) string {
	return string(cloud) + ":" + instanceType
}

// NewCache returns a cache seeded with the static fallback catalog, so
// lookups work before the first refresh completes.
func NewCache() *Cache {
	c := &Cache{defs: make(map[string]model.InstanceTypeDefinition)}
	c.Replace(staticCatalog)
	return c
}

// Lookup returns the definition for an instance type, if known.
func (c *Cache) Lookup(cloud model.CloudType, instanceType string) (model.InstanceTypeDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[key(cloud, instanceType)]
	return def, ok
}

// Replace swaps in a fully built definition set. Existing entries absent
// from defs are kept: a partial API sync must not lose known capacity.
func (c *Cache) Replace(defs []model.InstanceTypeDefinition) {
	next := make(map[string]model.InstanceTypeDefinition, len(defs))
	c.mu.RLock()
	for k, v := range c.defs {
		next[k] = v
	}
	c.mu.RUnlock()
	for _, d := range defs {
		next[key(d.CloudType, d.InstanceType)] = d
	}
	c.mu.Lock()
	c.defs = next
	c.mu.Unlock()
}

// Len reports the number of cached definitions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// DescribeInstanceTypesAPI is the EC2 surface the refresher needs.
type DescribeInstanceTypesAPI interface {
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
}

// Refresh repopulates the AWS definitions from the EC2 API.
func (c *Cache) Refresh(ctx context.Context, client DescribeInstanceTypesAPI, log *slog.Logger) error {
	var defs []model.InstanceTypeDefinition
	paginator := ec2.NewDescribeInstanceTypesPaginator(client, &ec2.DescribeInstanceTypesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("describe instance types: %w", err)
		}
		for _, it := range page.InstanceTypes {
			def := model.InstanceTypeDefinition{
				CloudType:    model.CloudAWS,
				InstanceType: string(it.InstanceType),
			}
			if it.VCpuInfo != nil && it.VCpuInfo.DefaultVCpus != nil {
				def.VCPU = *it.VCpuInfo.DefaultVCpus
			}
			if it.MemoryInfo != nil && it.MemoryInfo.SizeInMiB != nil {
				def.MemoryMiB = *it.MemoryInfo.SizeInMiB
			}
			defs = append(defs, def)
		}
	}
	c.Replace(defs)
	log.Info("instance type definitions refreshed", "count", len(defs))
	return nil
}

// staticCatalog covers the common types so capacity attribution works
// offline and in mock mode.
var staticCatalog = []model.InstanceTypeDefinition{
	{CloudType: model.CloudAWS, InstanceType: "t2.micro", VCPU: 1, MemoryMiB: 1024},
	{CloudType: model.CloudAWS, InstanceType: "t2.small", VCPU: 1, MemoryMiB: 2048},
	{CloudType: model.CloudAWS, InstanceType: "t2.medium", VCPU: 2, MemoryMiB: 4096},
	{CloudType: model.CloudAWS, InstanceType: "t3.micro", VCPU: 2, MemoryMiB: 1024},
	{CloudType: model.CloudAWS, InstanceType: "t3.medium", VCPU: 2, MemoryMiB: 4096},
	{CloudType: model.CloudAWS, InstanceType: "t3.large", VCPU: 2, MemoryMiB: 8192},
	{CloudType: model.CloudAWS, InstanceType: "m5.large", VCPU: 2, MemoryMiB: 8192},
	{CloudType: model.CloudAWS, InstanceType: "m5.xlarge", VCPU: 4, MemoryMiB: 16384},
	{CloudType: model.CloudAWS, InstanceType: "m5.2xlarge", VCPU: 8, MemoryMiB: 32768},
	{CloudType: model.CloudAWS, InstanceType: "c5.large", VCPU: 2, MemoryMiB: 4096},
	{CloudType: model.CloudAWS, InstanceType: "c5.xlarge", VCPU: 4, MemoryMiB: 8192},
	{CloudType: model.CloudAWS, InstanceType: "r5.large", VCPU: 2, MemoryMiB: 16384},
	{CloudType: model.CloudAWS, InstanceType: "r5.xlarge", VCPU: 4, MemoryMiB: 32768},
	{CloudType: model.CloudAzure, InstanceType: "Standard_B1s", VCPU: 1, MemoryMiB: 1024},
	{CloudType: model.CloudAzure, InstanceType: "Standard_B2s", VCPU: 2, MemoryMiB: 4096},
	{CloudType: model.CloudAzure, InstanceType: "Standard_D2s_v3", VCPU: 2, MemoryMiB: 8192},
	{CloudType: model.CloudAzure, InstanceType: "Standard_D4s_v3", VCPU: 4, MemoryMiB: 16384},
	{CloudType: model.CloudAzure, InstanceType: "Standard_E4s_v3", VCPU: 4, MemoryMiB: 32768},
}
