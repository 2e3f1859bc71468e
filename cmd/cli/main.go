// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// casarectl 运维 CLI：对编排器 REST API 的薄封装。
// CASARE_API_URL 指定服务地址，CASARE_API_TOKEN 为 JWT（启用认证时）。
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"casare-orchestrator/pkg/config"
	"casare-orchestrator/pkg/utils"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("casarectl 0.1.0")
	case "config":
		runConfig()
	case "submit":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl submit <workflow_id> [payload_file]\n")
			os.Exit(1)
		}
		payloadFile := ""
		if len(args) > 1 {
			payloadFile = args[1]
		}
		runSubmit(args[0], payloadFile)
	case "job":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl job <job_id>\n")
			os.Exit(1)
		}
		runJob(args[0])
	case "jobs":
		state := ""
		if len(args) > 0 {
			state = args[0]
		}
		runJobs(state)
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl watch <job_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl cancel <job_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	case "robots":
		runRobots()
	case "drain":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl drain <robot_id>\n")
			os.Exit(1)
		}
		runDrain(args[0])
	case "resume":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl resume <robot_id>\n")
			os.Exit(1)
		}
		runResume(args[0])
	case "mint-key":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl mint-key <robot_id>\n")
			os.Exit(1)
		}
		runMintKey(args[0])
	case "dlq":
		runDLQ()
	case "schedules":
		runSchedules()
	case "trigger":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: casarectl trigger <schedule_id>\n")
			os.Exit(1)
		}
		runTrigger(args[0])
	case "activity":
		n := 0
		if len(args) > 0 {
			n, _ = strconv.Atoi(args[0])
		}
		runActivity(n)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: casarectl <command> [args]")
	fmt.Println("  version                      - 显示版本")
	fmt.Println("  config                       - 显示配置概要")
	fmt.Println("  submit <workflow_id> [file]  - 提交任务（payload 从文件读，缺省单节点）")
	fmt.Println("  job <job_id>                 - 查看任务详情与进度")
	fmt.Println("  jobs [state]                 - 列出任务（可按状态过滤，如 pending,running）")
	fmt.Println("  watch <job_id>               - 轮询任务直到终态")
	fmt.Println("  cancel <job_id>              - 请求取消任务")
	fmt.Println("  robots                       - 列出 robot 舰队")
	fmt.Println("  drain <robot_id>             - 将 robot 置为 draining（停止接单）")
	fmt.Println("  resume <robot_id>            - 恢复 draining 的 robot")
	fmt.Println("  mint-key <robot_id>          - 给 robot 预发接入 key（只显示一次）")
	fmt.Println("  dlq                          - 列出死信")
	fmt.Println("  schedules                    - 列出定时任务")
	fmt.Println("  trigger <schedule_id>        - 手动触发一次定时任务")
	fmt.Println("  activity [limit]             - 最近审计记录，缺省 50 条")
}

func runConfig() {
	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg != nil {
		fmt.Printf("api.host=%s\n", cfg.API.Host)
		fmt.Printf("api.port=%d\n", cfg.API.Port)
		fmt.Printf("store.type=%s\n", cfg.Store.Type)
		fmt.Printf("dispatch.policy=%s\n", cfg.Dispatch.Policy)
	}
}

func runSubmit(workflowID, payloadFile string) {
	body := map[string]interface{}{"workflow_id": workflowID}
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取 payload 失败: %v\n", err)
			os.Exit(1)
		}
		body["payload"] = jsonRaw(data)
	} else {
		body["payload"] = map[string]interface{}{
			"nodes": []map[string]string{{"id": "n1"}},
		}
	}
	out, err := submitJob(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runJob(jobID string) {
	j, err := getJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(j))
	if p, err := getJobProgress(jobID); err == nil {
		if prog, ok := p["progress"]; ok {
			fmt.Println("进度:", prettyJSON(prog))
		}
	}
}

func runJobs(state string) {
	jobs, err := listJobs(state)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出任务失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(jobs))
}

func runWatch(jobID string) {
	for i := 0; i < 600; i++ {
		j, err := getJob(jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			os.Exit(1)
		}
		state, _ := j["state"].(string)
		fmt.Printf("  state: %s\n", state)
		switch state {
		case "completed", "failed", "cancelled", "timed_out", "dead_letter":
			fmt.Println(prettyJSON(j))
			return
		}
		time.Sleep(time.Second)
	}
	fmt.Fprintln(os.Stderr, "等待超时，任务仍未到终态")
	os.Exit(1)
}

func runCancel(jobID string) {
	out, err := cancelJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runRobots() {
	robots, err := listRobots()
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出 robot 失败: %v\n", err)
		os.Exit(1)
	}
	if len(robots) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(robots))
}

func runDrain(robotID string) {
	out, err := drainRobot(robotID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runResume(robotID string) {
	out, err := resumeRobot(robotID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runMintKey(robotID string) {
	out, err := mintRobotKey(robotID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "发 key 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
	fmt.Fprintln(os.Stderr, "注意: token 不落库，请立即保存")
}

func runDLQ() {
	items, err := listDeadLetters()
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出死信失败: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(items))
}

func runSchedules() {
	items, err := listSchedules()
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出定时任务失败: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(items))
}

func runTrigger(scheduleID string) {
	out, err := triggerSchedule(scheduleID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "触发失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runActivity(limit int) {
	items, err := listActivity(utils.DefaultInt(limit, 50))
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取审计失败: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(items))
}
