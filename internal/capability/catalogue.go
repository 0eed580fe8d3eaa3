package capability

// Built-in capability names.
const (
	SystemInspection     = "service_001_system_inspection"
	MemoryInspection     = "service_002_memory_inspection"
	DiskInspection       = "service_003_disk_inspection"
	HardwareSummary      = "service_004_hardware_summary"
	FullInspection       = "service_005_full_inspection"
	LogAnalysis          = "service_006_log_analysis"
	DailyReport          = "service_007_daily_report"
	WeeklyReport         = "service_008_weekly_report"
	ServiceMonitoring    = "service_009_service_monitoring"
	PlatformMonitoring   = "service_010_platform_monitoring"
	ApplyPurchases       = "service_011_apply_purchases"
	WechatNotification   = "service_012_wechat_notification"
	MemoryApplyNotice    = "service_013_memory_apply_notice"
	MemoryPriceInquiry   = "service_014_memory_price_inquiry"
	MemoryResolvedNotice = "service_015_memory_resolved_notice"
)

const (
	defaultInspectHours   = 6
	defaultMemThreshold   = 70
	defaultDiskThreshold  = 80
	defaultLogLineLimit   = 1000
	defaultContextLines   = 3
	defaultConnectTimeout = 2
	defaultMonitorRange   = "1h"
	ipListDescription     = "指定需要巡检的服务器IP列表"
	hoursDescription      = "查询最近N小时内的数据"
	memThresholdDesc      = "内存使用率阈值"
	diskThresholdDesc     = "硬盘使用率阈值"
	debugModeDescription  = "是否启用调试模式"
	approvalDescription   = "是否等待审批回复"
	optionalDefaultConfig = "可选（使用默认配置）"
)

func inspectionWindow() []Parameter {
	return []Parameter{
		{Name: "hours", Type: "integer", Description: hoursDescription, Default: defaultInspectHours},
		{Name: "memory_threshold", Type: "integer", Description: memThresholdDesc, Default: defaultMemThreshold},
		{Name: "disk_threshold", Type: "integer", Description: diskThresholdDesc, Default: defaultDiskThreshold},
	}
}

// Catalogue returns the built-in capability descriptors in declaration order.
func Catalogue() []Descriptor {
	return []Descriptor{
		{
			Name:        SystemInspection,
			ServiceID:   "001",
			Description: "【服务001】执行全系统状态巡检，查询数据库获取内存、硬盘使用率异常的服务器IP列表和环境监控数据",
			Keywords:    []string{"系统巡检", "全系统检查", "系统状态", "数据库查询", "异常服务器", "环境监控"},
			Parameters:  inspectionWindow(),
		},
		{
			Name:        MemoryInspection,
			ServiceID:   "002",
			Description: "【服务002】对指定IP服务器进行详细内存巡检，通过SSH连接获取内存使用率、硬件信息、进程占用情况",
			Keywords:    []string{"内存巡检", "内存检查", "内存详细检查", "SSH连接", "进程分析", "内存硬件"},
			Parameters:  []Parameter{{Name: "ip_list", Type: "array", Description: ipListDescription}},
		},
		{
			Name:        DiskInspection,
			ServiceID:   "003",
			Description: "【服务003】对指定IP服务器进行详细硬盘巡检，通过SSH连接获取硬盘使用率、硬件信息、大文件分析",
			Keywords:    []string{"硬盘巡检", "磁盘检查", "硬盘详细检查", "存储分析", "大文件检查", "硬盘硬件"},
			Parameters:  []Parameter{{Name: "ip_list", Type: "array", Description: ipListDescription}},
		},
		{
			Name:        HardwareSummary,
			ServiceID:   "004",
			Description: "【服务004】生成硬件巡检AI智能分析报告，基于内存和硬盘巡检结果提供采购建议和优化方案",
			Keywords:    []string{"AI分析报告", "硬件分析", "采购建议", "优化方案", "智能报告", "总结分析"},
		},
		{
			Name:        FullInspection,
			ServiceID:   "005",
			Description: "【服务005】执行完整巡检流程，按顺序调用系统巡检->内存巡检->硬盘巡检->AI分析报告->内存升级建议的完整自动化流程",
			Keywords:    []string{"完整巡检", "全流程巡检", "自动化巡检", "完整检查", "一键巡检", "端到端巡检"},
			Parameters: append(inspectionWindow(),
				Parameter{Name: "wait_for_approval", Type: "boolean", Description: approvalDescription, Default: false}),
		},
		{
			Name:        LogAnalysis,
			ServiceID:   "006",
			Description: "【服务006】智能日志文件分析，支持错误检测、模式识别、AI智能分析等功能",
			Keywords:    []string{"日志分析", "日志文件分析", "错误检测", "日志智能分析", "文件分析", "日志诊断"},
			Parameters: []Parameter{
				{Name: "file_path", Type: "string", Description: "日志文件路径", Required: true},
				{Name: "line_limit", Type: "integer", Description: "读取行数限制", Default: defaultLogLineLimit},
				{Name: "error_keywords", Type: "array", Description: "自定义错误关键词"},
				{Name: "context_lines", Type: "integer", Description: "错误上下文行数", Default: defaultContextLines},
				{Name: "ai_analysis", Type: "boolean", Description: "是否启用AI分析", Default: true},
			},
		},
		{
			Name:        DailyReport,
			ServiceID:   "007",
			Description: "【服务007】生成昨日监控数据的智能分析日报，包含系统状态、异常分析、风险预测等",
			Keywords:    []string{"日报生成", "日报分析", "昨日报告", "每日监控报告", "日常报告", "监控日报"},
			Parameters:  []Parameter{{Name: "debug", Type: "boolean", Description: debugModeDescription, Default: false}},
		},
		{
			Name:        WeeklyReport,
			ServiceID:   "008",
			Description: "【服务008】生成上周监控数据的智能分析周报，包含趋势分析、异常统计、运维建议等",
			Keywords:    []string{"周报生成", "周报分析", "上周报告", "每周监控报告", "周期报告", "监控周报"},
			Parameters:  []Parameter{{Name: "debug", Type: "boolean", Description: debugModeDescription, Default: false}},
		},
		{
			Name:        ServiceMonitoring,
			ServiceID:   "009",
			Description: "【服务009】执行服务状态监控检查，检测各平台服务的运行状态、端口连通性、进程状态等",
			Keywords:    []string{"服务监控", "服务状态检查", "端口检查", "进程监控", "服务健康检查", "平台监控"},
			Parameters:  []Parameter{{Name: "timeout", Type: "integer", Description: "连接超时时间(秒)", Default: defaultConnectTimeout}},
		},
		{
			Name:        PlatformMonitoring,
			ServiceID:   "010",
			Description: "【服务010】执行平台性能监控，获取CPU、内存、磁盘使用率等性能指标并进行异常检测",
			Keywords:    []string{"平台监控", "性能监控", "资源监控", "CPU监控", "内存监控", "磁盘监控"},
			Parameters:  []Parameter{{Name: "time_range", Type: "string", Description: "监控时间范围", Default: defaultMonitorRange}},
		},
		{
			Name:        ApplyPurchases,
			ServiceID:   "011",
			Description: "【服务011】内存升级建议，从内存巡检结果生成详细的内存升级建议和价格预估",
			Keywords:    []string{"内存升级", "升级建议", "内存分析", "硬件建议", "内存申请", "内存更换"},
		},
		{
			Name:        WechatNotification,
			ServiceID:   "012",
			Description: "【服务012】企业微信通知服务，支持发送文本消息到指定用户或群组，用于运维报告推送和异常告警",
			Keywords:    []string{"企业微信", "消息通知", "微信推送", "告警通知", "消息发送", "运维通知"},
			Parameters: []Parameter{
				{Name: "to_user", Type: "string", Description: "接收消息的用户ID，必填参数", Required: true},
				{Name: "content", Type: "string", Description: "消息内容，必填参数", Required: true},
				{Name: "corp_id", Type: "string", Description: "企业ID，" + optionalDefaultConfig},
				{Name: "corp_secret", Type: "string", Description: "应用Secret，" + optionalDefaultConfig},
				{Name: "agent_id", Type: "string", Description: "应用ID，" + optionalDefaultConfig},
			},
		},
		{
			Name:        MemoryApplyNotice,
			ServiceID:   "013",
			Description: "【服务013】内存升级申请通知服务，检测需要申请的内存升级并发送采购申请通知",
			Keywords:    []string{"内存申请", "采购申请", "升级申请", "申请通知", "QWEN3分析", "采购流程"},
		},
		{
			Name:        MemoryPriceInquiry,
			ServiceID:   "014",
			Description: "【服务014】内存价格询问服务，检测价格为空的内存升级记录并发送价格询问",
			Keywords:    []string{"内存价格", "价格询问", "询价", "价格查询", "内存报价", "价格请求"},
		},
		{
			Name:        MemoryResolvedNotice,
			ServiceID:   "015",
			Description: "【服务015】内存问题解决通知服务，检测已恢复正常的内存问题并发送企业微信通知",
			Keywords:    []string{"内存恢复", "问题解决", "状态通知", "自动检测", "恢复通知", "内存监控"},
		},
	}
}

// DeclareCatalogue declares every built-in capability on b.
func DeclareCatalogue(b *Builder) error {
	for _, d := range Catalogue() {
		if err := b.Declare(d); err != nil {
			return err
		}
	}
	return nil
}
