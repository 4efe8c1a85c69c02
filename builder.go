// Copyright (c) 2024 Pragmagic Inc. and/or its affiliates.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"time"

	"github.com/edwarnicke/genericsync"
	"golang.org/x/sync/errgroup"

	"github.com/networkservicemesh/sdk/pkg/tools/log"
)

// Builder turns provider inventory into snapshots.
type Builder struct {
	provider    *Provider
	concurrency int
}

// NewBuilder creates a builder running at most concurrency fetchers at a time.
func NewBuilder(provider *Provider, concurrency int) *Builder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Builder{provider: provider, concurrency: concurrency}
}

// Rebuild queries the provider for every visible kind and assembles a fresh snapshot.
// Fetch failures never abort the rebuild: the failing kind contributes an empty fragment
// and a warning, and the snapshot is marked degraded.
//
// Subnets are always fetched because route resolution needs the subnet to VPC mapping.
// They are merged only when the subnet kind is visible.
func (b *Builder) Rebuild(ctx context.Context, visibility map[ResourceKind]bool) *Snapshot {
	var (
		results genericsync.Map[ResourceKind, *fragment]
		index   = instanceIndex{}
		mapping = subnetVpcMapping{}
		groups  = newSecurityGroupCache(b.provider.EC2)
	)

	// Phase 1: independent queries.
	phase := b.phase()
	if visibility[ec2Kind] {
		b.spawn(ctx, phase, &results, ec2Kind, func(ctx context.Context) (*fragment, error) {
			f, idx, err := fetchInstances(ctx, b.provider, groups, visibility[sgKind])
			if err == nil {
				index = idx
			}
			return f, err
		})
	}
	b.spawn(ctx, phase, &results, subnetKind, func(ctx context.Context) (*fragment, error) {
		f, m, err := fetchSubnets(ctx, b.provider)
		if err == nil {
			mapping = m
		}
		return f, err
	})
	if visibility[asgKind] {
		b.spawn(ctx, phase, &results, asgKind, func(ctx context.Context) (*fragment, error) {
			return fetchScalingGroups(ctx, b.provider)
		})
	}
	if visibility[natKind] {
		b.spawn(ctx, phase, &results, natKind, func(ctx context.Context) (*fragment, error) {
			return fetchNatGateways(ctx, b.provider)
		})
	}
	if visibility[igwKind] {
		b.spawn(ctx, phase, &results, igwKind, func(ctx context.Context) (*fragment, error) {
			return fetchInternetGateways(ctx, b.provider)
		})
	}
	if visibility[naclKind] {
		b.spawn(ctx, phase, &results, naclKind, func(ctx context.Context) (*fragment, error) {
			return fetchNetworkAcls(ctx, b.provider)
		})
	}
	if visibility[sgKind] {
		b.spawn(ctx, phase, &results, sgKind, func(ctx context.Context) (*fragment, error) {
			return fetchSecurityGroups(ctx, b.provider, groups)
		})
	}
	_ = phase.Wait()

	// Phase 2: queries depending on the instance index and the subnet mapping.
	phase = b.phase()
	if visibility[elbKind] {
		b.spawn(ctx, phase, &results, elbKind, func(ctx context.Context) (*fragment, error) {
			return fetchLoadBalancers(ctx, b.provider, index)
		})
	}
	if visibility[routeTableKind] {
		b.spawn(ctx, phase, &results, routeTableKind, func(ctx context.Context) (*fragment, error) {
			return fetchRouteTables(ctx, b.provider, mapping)
		})
	}
	_ = phase.Wait()

	fragments := make(map[ResourceKind]*fragment, len(resourceKinds))
	results.Range(func(kind ResourceKind, f *fragment) bool {
		fragments[kind] = f
		return true
	})
	return assemble(fragments, visibility)
}

func (b *Builder) phase() *errgroup.Group {
	eg := new(errgroup.Group)
	eg.SetLimit(b.concurrency)
	return eg
}

// spawn runs a fetcher in the phase and stores its fragment by kind. A failing fetcher
// yields an empty fragment carrying a warning.
func (b *Builder) spawn(ctx context.Context, eg *errgroup.Group, results *genericsync.Map[ResourceKind, *fragment], kind ResourceKind, fetch func(context.Context) (*fragment, error)) {
	eg.Go(func() error {
		f, err := fetch(ctx)
		if err != nil {
			log.FromContext(ctx).Errorf("Failed to fetch %q: %v", kind, err)
			providerQueryFailuresTotal.WithLabelValues(string(kind)).Inc()
			f = newFragment(kind)
			f.warn(warnProviderQueryFailed, err.Error())
		}
		results.Store(kind, f)
		return nil
	})
}

// assemble merges fragments into one graph in the fixed kind order. Hidden kinds contribute
// no nodes or edges and get an empty detail list. Warnings are kept for every fetched kind.
func assemble(fragments map[ResourceKind]*fragment, visibility map[ResourceKind]bool) *Snapshot {
	g := newGraph()
	details := make(map[ResourceKind][]string, len(resourceKinds))
	warnings := []Warning{}

	for _, kind := range resourceKinds {
		f, fetched := fragments[kind]
		if fetched {
			warnings = append(warnings, f.warnings...)
		}
		if !visibility[kind] {
			details[kind] = []string{}
			continue
		}
		if !fetched {
			f = newFragment(kind)
		}
		g.merge(f)
		details[kind] = f.details
	}

	health := sourceHealthy
	if len(warnings) > 0 {
		health = sourceDegraded
	}
	vis := make(map[ResourceKind]bool, len(visibility))
	for _, kind := range resourceKinds {
		vis[kind] = visibility[kind]
	}

	return &Snapshot{
		Metadata: Metadata{
			GeneratedAt:  time.Now().UTC(),
			SourceHealth: health,
			Fingerprint:  g.fingerprint(),
			NodeCount:    len(g.nodes),
			EdgeCount:    len(g.edges),
			Visibility:   vis,
		},
		Nodes:    g.nodes,
		Edges:    g.edges,
		Details:  details,
		Warnings: warnings,
	}
}
