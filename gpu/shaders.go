package gpu

// workgroupWidth is the fixed number of lanes every dispatch divides
// its problem size by.
const workgroupWidth = 256

// dispatchGroups sizes a 1D dispatch for n threads.
func dispatchGroups(n int) uint32 {
	return uint32((n + workgroupWidth - 1) / workgroupWidth)
}

// Weight layouts match the deployed flat-array export:
// weights_hidden[i*H + h] (input-major), weights_out[h*O + j]
// (hidden-major). The CPU reference in nn/ uses the same layouts, so
// flat arrays round-trip between the two without reshaping.

const forwardWGSL = `
struct ShapeParams {
	m : u32,    // batch
	k : u32,    // input width
	n : u32,    // output width
	size : u32, // total elements, used by the activation pass
};

@group(0) @binding(0) var<storage, read> in_vec : array<f32>;
@group(0) @binding(1) var<storage, read> weights : array<f32>;
@group(0) @binding(2) var<storage, read> bias : array<f32>;
@group(0) @binding(3) var<storage, read_write> out_vec : array<f32>;
@group(0) @binding(4) var<uniform> params : ShapeParams;

// out[b, n] = bias[n] + sum_k in[b, k] * W[k*N + n]
@compute @workgroup_size(256)
fn linear_forward(@builtin(global_invocation_id) gid : vec3<u32>) {
	let idx = gid.x;
	if (idx >= params.m * params.n) {
		return;
	}
	let b = idx / params.n;
	let n = idx % params.n;

	var sum : f32 = bias[n];
	let in_off = b * params.k;
	for (var k : u32 = 0u; k < params.k; k++) {
		sum += in_vec[in_off + k] * weights[k * params.n + n];
	}
	out_vec[idx] = sum;
}

// In-place ReLU over out_vec. Consumers of the pre-activation value
// must already have run.
@compute @workgroup_size(256)
fn relu_activation(@builtin(global_invocation_id) gid : vec3<u32>) {
	let idx = gid.x;
	if (idx >= params.size) {
		return;
	}
	out_vec[idx] = max(out_vec[idx], 0.0);
}
`

const trainingWGSL = `
struct TrainParams {
	lr : f32,
	gamma : f32,
	clip : f32,
	epsilon : f32,
	batch : u32,
	in_size : u32,
	hidden_size : u32,
	out_size : u32,
};

@group(0) @binding(0) var<storage, read> current_q : array<f32>;
@group(0) @binding(1) var<storage, read> target_q : array<f32>;
@group(0) @binding(2) var<storage, read> actions : array<f32>;
@group(0) @binding(3) var<storage, read> rewards : array<f32>;
@group(0) @binding(4) var<storage, read> done_flags : array<f32>;
@group(0) @binding(5) var<storage, read_write> td_errors : array<f32>;
@group(0) @binding(6) var<storage, read> hidden : array<f32>;
@group(0) @binding(7) var<storage, read> in_vec : array<f32>;
@group(0) @binding(8) var<storage, read_write> weights_out : array<f32>;
@group(0) @binding(9) var<storage, read_write> bias_out : array<f32>;
@group(0) @binding(10) var<storage, read_write> weights_hidden : array<f32>;
@group(0) @binding(11) var<storage, read_write> bias_hidden : array<f32>;
@group(0) @binding(12) var<storage, read> weights_out_snap : array<f32>;
@group(0) @binding(13) var<uniform> tp : TrainParams;

fn clip_grad(g : f32) -> f32 {
	return clamp(g, -tp.clip, tp.clip);
}

// td[b] = (reward + gamma * max_j targetQ[b,j] * (1-done)) - currentQ[b, action[b]]
@compute @workgroup_size(256)
fn td_error(@builtin(global_invocation_id) gid : vec3<u32>) {
	let b = gid.x;
	if (b >= tp.batch) {
		return;
	}
	var target : f32 = rewards[b];
	if (done_flags[b] < 0.5) {
		var best : f32 = target_q[b * tp.out_size];
		for (var j : u32 = 1u; j < tp.out_size; j++) {
			best = max(best, target_q[b * tp.out_size + j]);
		}
		target += tp.gamma * best;
	}
	let a = u32(actions[b]);
	td_errors[b] = target - current_q[b * tp.out_size + a];
}

// W_out[h, j] += lr * clip(avg_b td[b] * hidden[b, h])   for j == action[b]
@compute @workgroup_size(256)
fn update_output_weights(@builtin(global_invocation_id) gid : vec3<u32>) {
	let idx = gid.x;
	if (idx >= tp.hidden_size * tp.out_size) {
		return;
	}
	let h = idx / tp.out_size;
	let j = idx % tp.out_size;

	var grad : f32 = 0.0;
	for (var b : u32 = 0u; b < tp.batch; b++) {
		if (u32(actions[b]) == j) {
			grad += td_errors[b] * hidden[b * tp.hidden_size + h];
		}
	}
	grad = grad / f32(tp.batch);
	weights_out[idx] += tp.lr * clip_grad(grad);
}

@compute @workgroup_size(256)
fn update_output_bias(@builtin(global_invocation_id) gid : vec3<u32>) {
	let j = gid.x;
	if (j >= tp.out_size) {
		return;
	}
	var grad : f32 = 0.0;
	for (var b : u32 = 0u; b < tp.batch; b++) {
		if (u32(actions[b]) == j) {
			grad += td_errors[b];
		}
	}
	grad = grad / f32(tp.batch);
	bias_out[j] += tp.lr * clip_grad(grad);
}

// Hidden-layer stages read the pre-update snapshot of the output
// weights, never the values the output stages may already have written
// in this submission.
fn hidden_delta(b : u32, h : u32) -> f32 {
	let a = u32(actions[b]);
	let act = hidden[b * tp.hidden_size + h];
	if (act <= 0.0) {
		return 0.0; // ReLU gate
	}
	return td_errors[b] * weights_out_snap[h * tp.out_size + a];
}

@compute @workgroup_size(256)
fn update_hidden_weights(@builtin(global_invocation_id) gid : vec3<u32>) {
	let idx = gid.x;
	if (idx >= tp.in_size * tp.hidden_size) {
		return;
	}
	let i = idx / tp.hidden_size;
	let h = idx % tp.hidden_size;

	var grad : f32 = 0.0;
	for (var b : u32 = 0u; b < tp.batch; b++) {
		grad += hidden_delta(b, h) * in_vec[b * tp.in_size + i];
	}
	grad = grad / f32(tp.batch);
	weights_hidden[idx] += tp.lr * clip_grad(grad);
}

@compute @workgroup_size(256)
fn update_hidden_bias(@builtin(global_invocation_id) gid : vec3<u32>) {
	let h = gid.x;
	if (h >= tp.hidden_size) {
		return;
	}
	var grad : f32 = 0.0;
	for (var b : u32 = 0u; b < tp.batch; b++) {
		grad += hidden_delta(b, h);
	}
	grad = grad / f32(tp.batch);
	bias_hidden[h] += tp.lr * clip_grad(grad);
}
`

// forwardEntryPoints declares the contracts for the forward module.
func forwardEntryPoints() []EntryPoint {
	return []EntryPoint{
		{
			Name: "linear_forward",
			Slots: []SlotSpec{
				{0, CapStorageRO},
				{1, CapStorageRO},
				{2, CapStorageRO},
				{3, CapStorageRW},
				{4, CapUniform},
			},
		},
		{
			Name: "relu_activation",
			Slots: []SlotSpec{
				{3, CapStorageRW},
				{4, CapUniform},
			},
		},
	}
}

// trainingEntryPoints declares the contracts for the training module.
func trainingEntryPoints() []EntryPoint {
	return []EntryPoint{
		{
			Name: "td_error",
			Slots: []SlotSpec{
				{0, CapStorageRO},
				{1, CapStorageRO},
				{2, CapStorageRO},
				{3, CapStorageRO},
				{4, CapStorageRO},
				{5, CapStorageRW},
				{13, CapUniform},
			},
		},
		{
			Name: "update_output_weights",
			Slots: []SlotSpec{
				{2, CapStorageRO},
				{5, CapStorageRW},
				{6, CapStorageRO},
				{8, CapStorageRW},
				{13, CapUniform},
			},
		},
		{
			Name: "update_output_bias",
			Slots: []SlotSpec{
				{2, CapStorageRO},
				{5, CapStorageRW},
				{9, CapStorageRW},
				{13, CapUniform},
			},
		},
		{
			Name: "update_hidden_weights",
			Slots: []SlotSpec{
				{2, CapStorageRO},
				{5, CapStorageRW},
				{6, CapStorageRO},
				{7, CapStorageRO},
				{10, CapStorageRW},
				{12, CapStorageRO},
				{13, CapUniform},
			},
		},
		{
			Name: "update_hidden_bias",
			Slots: []SlotSpec{
				{2, CapStorageRO},
				{5, CapStorageRW},
				{6, CapStorageRO},
				{11, CapStorageRW},
				{12, CapStorageRO},
				{13, CapUniform},
			},
		},
	}
}
