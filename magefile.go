//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	redisContainer = "brightlens-redis-dev"
	distDir        = "dist"
	reportsDir     = "reports"
)

var tasks = [][2]string{
	{"build", "构建 brightlens 二进制文件"},
	{"test", "运行所有测试"},
	{"testUnit", "运行单元测试"},
	{"testIntegration", "运行依赖 Redis 的集成测试"},
	{"docker:redis", "启动开发用 Redis"},
	{"docker:down", "停止开发用 Redis"},
	{"clean", "清理构建产物"},
	{"lint", "运行 gofmt 和 go vet"},
	{"coverage", "生成测试覆盖率报告"},
}

// Default 显示可用任务
func Default() {
	fmt.Println("BrightLens 构建任务:")
	for _, t := range tasks {
		fmt.Printf("  mage %-16s %s\n", t[0], t[1])
	}
}

// goTest 运行 go test，失败时打印完整输出
func goTest(env []string, args ...string) error {
	cmd := exec.Command("go", append([]string{"test"}, args...)...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Printf("%s\n", out)
		return fmt.Errorf("go test %v: %w", args, err)
	}
	return nil
}

// Build 构建静态链接的 brightlens
func Build() error {
	mg.Deps(Clean)

	output := filepath.Join(distDir, "brightlens")
	if runtime.GOOS == "windows" {
		output += ".exe"
	}
	fmt.Println("🚀 构建", output)

	env := map[string]string{"CGO_ENABLED": "0"}
	if err := sh.RunWith(env, "go", "build", "-trimpath", "-o", output, "./cmd/brightlens"); err != nil {
		return fmt.Errorf("构建 brightlens 失败: %w", err)
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ %.1f MB\n", float64(info.Size())/(1<<20))
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	mg.SerialDeps(TestUnit, TestIntegration)
	return nil
}

// TestUnit 运行单元测试
func TestUnit() error {
	fmt.Println("🧪 单元测试")
	if err := goTest(nil, "./pkg/...", "./cmd/...", "-race", "-timeout=5m"); err != nil {
		return err
	}
	fmt.Println("✅ 单元测试通过")
	return nil
}

// TestIntegration 运行 Redis 存储的集成测试，Redis 未运行时跳过
func TestIntegration() error {
	fmt.Println("🔗 运行集成测试...")

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		if !isRedisRunning() {
			fmt.Println("⚠️  Redis 未运行，跳过集成测试 (mage docker:redis 启动)")
			return nil
		}
		addr = "localhost:6379"
	}

	if err := goTest([]string{"REDIS_ADDR=" + addr}, "-v", "-run", "Integration", "./pkg/storage/...", "-timeout=5m"); err != nil {
		return err
	}
	fmt.Println("✅ 集成测试通过")
	return nil
}

type Docker mg.Namespace

// Redis 启动开发用 Redis 容器
func (Docker) Redis() error {
	fmt.Println("🚀 启动 Redis...")
	return sh.RunV("docker", "run", "-d", "--rm", "--name", redisContainer, "-p", "6379:6379", "redis:7-alpine")
}

// Down 停止开发用 Redis 容器
func (Docker) Down() error {
	fmt.Println("🛑 停止 Redis...")
	return sh.RunV("docker", "stop", redisContainer)
}

// Clean 清空 dist 和 reports
func Clean() error {
	fmt.Println("🧹 清理构建产物")
	for _, dir := range []string{distDir, reportsDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("清理 %s 失败: %w", dir, err)
		}
	}
	return os.MkdirAll(distDir, 0755)
}

// Lint 检查格式并运行 go vet，格式问题会被自动修复
func Lint() error {
	fmt.Println("🔍 代码检查")

	unformatted, err := sh.Output("gofmt", "-l", "./cmd", "./pkg")
	if err != nil {
		return fmt.Errorf("gofmt: %w", err)
	}
	if unformatted != "" {
		fmt.Printf("自动格式化:\n%s\n", unformatted)
		if err := sh.Run("gofmt", "-w", "./cmd", "./pkg"); err != nil {
			return fmt.Errorf("gofmt -w: %w", err)
		}
	}
	return sh.RunV("go", "vet", "./...")
}

// Coverage 生成覆盖率报告到 reports/
func Coverage() error {
	fmt.Println("📈 覆盖率报告")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return err
	}

	profile := filepath.Join(reportsDir, "coverage.out")
	html := filepath.Join(reportsDir, "coverage.html")
	if err := goTest(nil, "./pkg/...", "./cmd/...", "-coverprofile="+profile, "-covermode=atomic"); err != nil {
		return err
	}
	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("生成 HTML 报告失败: %w", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func="+profile); err != nil {
		return err
	}

	fmt.Println("   file://" + absPath(html))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", redisContainer, "redis-cli", "ping")
	return cmd.Run() == nil
}

func absPath(rel string) string {
	if p, err := filepath.Abs(rel); err == nil {
		return p
	}
	return rel
}
