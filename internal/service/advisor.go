package service

import (
	"fmt"
	"strings"

	"github.com/wenqy/career-copilot/internal/domain"
)

// AdvisorProfile describes the specialist persona behind one tab. The texts
// feed session titles, rejection notices and offline fallback replies.
type AdvisorProfile struct {
	Tab          domain.TabKey
	Label        string
	Title        string
	Description  string
	Capabilities []string
	Greeting     string
	TitleOptions []string
}

var advisorProfiles = map[domain.TabKey]AdvisorProfile{
	domain.TabCareer: {
		Tab:         domain.TabCareer,
		Label:       "职业生涯规划",
		Title:       "职业规划专家",
		Description: "我是您的专属职业规划顾问，拥有10年+的职业发展经验。",
		Capabilities: []string{
			"职业路径规划与建议",
			"技能提升方案制定",
			"行业趋势分析",
			"个人品牌建设指导",
			"职业转型策略",
		},
		Greeting:     "您好！我是您的职业规划专家。我可以帮您制定清晰的职业发展路径，分析行业趋势，制定技能提升计划。请告诉我您目前的职业状况和未来目标，我会为您提供专业的规划建议！",
		TitleOptions: []string{"职业规划咨询", "职业发展探讨", "职场成长指导"},
	},
	domain.TabOffer: {
		Tab:         domain.TabOffer,
		Label:       "offer分析",
		Title:       "Offer分析专家",
		Description: "我是专业的Offer分析师，擅长薪资谈判和职位评估。",
		Capabilities: []string{
			"薪资水平分析与对比",
			"福利待遇评估",
			"职位发展前景分析",
			"谈判策略建议",
			"多Offer选择决策",
		},
		Greeting:     "您好！我是您的Offer分析专家。我可以帮您分析薪资水平、评估福利待遇、对比不同Offer的优劣，并为您提供专业的谈判建议。请分享您收到的Offer详情，我会为您进行深度分析！",
		TitleOptions: []string{"Offer分析咨询", "薪资谈判指导", "职位评估分析"},
	},
	domain.TabContract: {
		Tab:         domain.TabContract,
		Label:       "劳动合同检查",
		Title:       "劳动合同专家",
		Description: "我是专业的劳动合同审查专家，保护您的合法权益。",
		Capabilities: []string{
			"合同条款详细解读",
			"风险点识别与提醒",
			"法律条款合规性检查",
			"权益保护建议",
			"合同修改建议",
		},
		Greeting:     "您好！我是您的劳动合同检查专家。我可以帮您详细解读合同条款，识别潜在风险点，确保您的合法权益得到保护。请上传或描述您的劳动合同内容，我会为您进行专业审查！",
		TitleOptions: []string{"合同审查咨询", "法律条款分析", "权益保护指导"},
	},
	domain.TabMonitor: {
		Tab:         domain.TabMonitor,
		Label:       "在职企业监控",
		Title:       "企业监控专家",
		Description: "我是专业的企业监控分析师，实时跟踪企业动态。",
		Capabilities: []string{
			"企业财务状况监控",
			"行业地位变化追踪",
			"管理层变动分析",
			"业务发展动态监控",
			"风险预警提醒",
		},
		Greeting:     "您好！我是您的企业监控专家。我可以帮您实时监控所在企业的发展动态，包括财务状况、行业地位、管理层变动等关键信息，为您提供及时的风险预警和发展建议！",
		TitleOptions: []string{"企业监控分析", "公司动态追踪", "风险预警咨询"},
	},
}

// AdvisorFor resolves a tab's persona, defaulting to the career advisor for
// anything unrecognized.
func AdvisorFor(tab domain.TabKey) AdvisorProfile {
	if profile, ok := advisorProfiles[tab]; ok {
		return profile
	}
	return advisorProfiles[domain.TabCareer]
}

// rejectionNotice builds the assistant message shown instead of sending an
// invalid question upstream.
func rejectionNotice(modelName string, profile AdvisorProfile, reason string) string {
	capabilities := make([]string, 0, len(profile.Capabilities))
	for _, capability := range profile.Capabilities {
		capabilities = append(capabilities, "• "+capability)
	}
	opener, _, _ := strings.Cut(profile.Greeting, "！")

	return fmt.Sprintf(
		"❌ %s\n\n🤖 我是%s，专门为您提供%s服务。\n\n✨ 我可以帮您：\n%s\n\n💬 请提出具体的问题，比如：\n• \"%s...\"\n• 描述您的具体需求\n• 询问相关的专业建议\n\n我会为您提供专业、详细的帮助！",
		reason, modelName, profile.Title, strings.Join(capabilities, "\n"), opener,
	)
}

// fallbackReply is the advisor's canned answer when the backend cannot be
// reached at all.
func fallbackReply(profile AdvisorProfile, question string) string {
	return fmt.Sprintf(
		"%s\n\n关于您提到的\"%s\"，作为%s，我可以为您提供专业的分析和建议。请告诉我更多具体信息，我会为您提供更精准的帮助！",
		profile.Greeting, question, profile.Title,
	)
}
