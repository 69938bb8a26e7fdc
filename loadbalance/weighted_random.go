package loadbalance

import (
	"math/rand/v2"

	"amqp-rpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重，权重 <= 0 的实例按 1 计算
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
